package gateway

import (
	"context"
	"log"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"cryptoops/internal/model"
	"cryptoops/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

// Client is one websocket peer bound to one session.
type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
	registry *session.Registry
	sess     *session.Session
	events   <-chan model.Event
	unsub    func()

	// onPush observes the delay between a kline and its delivery.
	onPush func(d time.Duration)
	// onDrop is called with the frame type of every dropped push.
	onDrop func(frameType string)
	// stateWait bounds how long a state event waits for queue room.
	stateWait time.Duration
}

// inbound is a client request.
type inbound struct {
	Type     string `json:"type"`
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	Ping     int64  `json:"ping"`
}

// outbound wraps every server push.
type outbound struct {
	Type   string    `json:"type"`
	Symbol string    `json:"symbol,omitempty"`
	TS     time.Time `json:"ts"`
	Data   any       `json:"data,omitempty"`
}

func (c *Client) serve() {
	c.hub.add(c)
	go c.forward()
	go c.writePump()
	c.readPump()
}

// forward copies session frames and user events into the send queue until
// the session ends.
func (c *Client) forward() {
	for {
		select {
		case <-c.sess.Done():
			return
		case ev := <-c.sess.Frames():
			c.push(ev)
			if c.onPush != nil && ev.Type == model.EventKline {
				c.onPush(time.Since(ev.Time))
			}
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			c.push(ev)
		}
	}
}

// push queues ev. Klines are dropped for a slow reader since the next one
// supersedes them. State events wait for room; a client that still has not
// drained its queue is disconnected so it resyncs on reconnect.
func (c *Client) push(ev model.Event) {
	msg, ok := c.encode(ev.Type, outbound{Type: ev.Type, Symbol: ev.Symbol, TS: ev.Time, Data: ev.Payload})
	if !ok {
		return
	}
	if ev.Type == model.EventKline {
		c.offer(ev.Type, msg)
		return
	}

	wait := c.stateWait
	if wait <= 0 {
		wait = writeWait
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case c.send <- msg:
	case <-c.sess.Done():
	case <-timer.C:
		log.Printf("[gateway] session %s: send queue full, dropping %s and disconnecting", c.sess.ID, ev.Type)
		c.dropped(ev.Type)
		c.registry.Disconnect(c.sess.ID)
	}
}

func (c *Client) enqueue(frameType string, v any) {
	if msg, ok := c.encode(frameType, v); ok {
		c.offer(frameType, msg)
	}
}

func (c *Client) encode(frameType string, v any) ([]byte, bool) {
	msg, err := json.Marshal(v)
	if err != nil {
		log.Printf("[gateway] encode %s frame: %v", frameType, err)
		return nil, false
	}
	return msg, true
}

func (c *Client) offer(frameType string, msg []byte) {
	select {
	case c.send <- msg:
	case <-c.sess.Done():
	default:
		c.dropped(frameType)
	}
}

func (c *Client) dropped(frameType string) {
	if c.onDrop != nil {
		c.onDrop(frameType)
	}
}

func (c *Client) sendError(msg string) {
	c.enqueue("error", outbound{Type: "error", TS: time.Now().UTC(), Data: map[string]string{"message": msg}})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.sess.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.unsub()
		c.registry.Disconnect(c.sess.ID)
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inbound
		if json.Unmarshal(raw, &msg) != nil {
			c.sendError("invalid message")
			continue
		}

		switch msg.Type {
		case "subscribe":
			if msg.Interval == "" {
				msg.Interval = "1m"
			}
			if err := c.registry.Subscribe(c.sess.ID, msg.Symbol, msg.Interval); err != nil {
				c.sendError(err.Error())
				continue
			}
			c.enqueue("subscribed", outbound{Type: "subscribed", Symbol: msg.Symbol, TS: time.Now().UTC(),
				Data: map[string]string{"interval": msg.Interval, "session_id": c.sess.ID}})
		case "unsubscribe":
			c.registry.Unsubscribe(c.sess.ID)
		case "ping":
			c.enqueue("pong", map[string]any{"type": "pong", "ping": msg.Ping, "server_ts": time.Now().UnixMilli()})
		default:
			c.sendError("unknown message type " + msg.Type)
		}
	}
}

// newClient connects a session for userID and subscribes it to the
// user's events.
func newClient(ctx context.Context, conn *websocket.Conn, s *Server, userID string) *Client {
	sess := s.registry.Connect(ctx, userID)
	events, unsub := s.events.Subscribe(userID)
	return &Client{
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		hub:      s.hub,
		registry: s.registry,
		sess:     sess,
		events:   events,
		unsub:    unsub,
		onPush:   s.OnPush,
		onDrop:   s.OnSendDrop,
	}
}
