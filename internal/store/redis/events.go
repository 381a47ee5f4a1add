package redis

import (
	"context"
	"log"

	goredis "github.com/go-redis/redis/v8"
	json "github.com/goccy/go-json"

	"cryptoops/internal/model"
)

// EventPublisher mirrors user events to the events:operation:{user} channel
// for observers outside this process.
type EventPublisher struct {
	client *goredis.Client
}

// NewEventPublisher wraps an existing client.
func NewEventPublisher(client *goredis.Client) *EventPublisher {
	return &EventPublisher{client: client}
}

// Publish is fire-and-forget; failures are logged.
func (p *EventPublisher) Publish(ctx context.Context, ev model.Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[redis] encode event %s: %v", ev.Type, err)
		return
	}
	if err := p.client.Publish(ctx, eventChannel(ev.UserID), raw).Err(); err != nil {
		log.Printf("[redis] publish %s for %s: %v", ev.Type, ev.UserID, err)
	}
}

// Subscribe streams events published for userID until ctx is done.
func (p *EventPublisher) Subscribe(ctx context.Context, userID string) <-chan model.Event {
	sub := p.client.Subscribe(ctx, eventChannel(userID))
	out := make(chan model.Event, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev model.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Printf("[redis] bad event on %s: %v", msg.Channel, err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
