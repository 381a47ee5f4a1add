package gateway

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"cryptoops/internal/events"
	"cryptoops/internal/model"
	"cryptoops/internal/session"
)

// TradeHistory reads a user's trades for one symbol.
type TradeHistory interface {
	ListForUser(ctx context.Context, symbol, userID string, limit int64) ([]model.TradeResult, error)
}

// Deps are the collaborators the HTTP surface reads and writes.
type Deps struct {
	Registry  *session.Registry
	Positions model.PositionStore
	Ledger    TradeHistory
	Events    *events.Bus
	Metrics   http.Handler // optional, served on /metrics
	Health    http.Handler // optional, served on /healthz
}

// Server owns the router and the websocket hub.
type Server struct {
	registry  *session.Registry
	positions model.PositionStore
	ledger    TradeHistory
	events    *events.Bus
	hub       *Hub
	upgrader  websocket.Upgrader
	router    chi.Router

	// baseCtx parents every websocket session so shutdown reaches them.
	baseCtx context.Context
	srv     *http.Server

	OnRequest func(method, route string, status int, d time.Duration)
	OnPush    func(d time.Duration)
	// OnSendDrop is called with the frame type of every websocket push
	// dropped for a slow client.
	OnSendDrop func(frameType string)
}

// NewServer builds the router. ctx bounds the lifetime of websocket
// sessions.
func NewServer(ctx context.Context, deps Deps) *Server {
	s := &Server{
		registry:  deps.Registry,
		positions: deps.Positions,
		ledger:    deps.Ledger,
		events:    deps.Events,
		hub:       NewHub(),
		baseCtx:   ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", userHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Group(func(r chi.Router) {
		r.Use(s.observe)
		r.Post("/operation-config", s.PutOperationConfig)
		r.Get("/operation-config/{symbol}", s.GetOperationConfig)
		r.Get("/results/{symbol}", s.GetResults)
		if deps.Health != nil {
			r.Get("/healthz", deps.Health.ServeHTTP)
		}
	})
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}
	r.Get("/ws", s.HandleWS)

	s.router = r
	return s
}

// Hub exposes the websocket client registry.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start listens on addr in the background.
func (s *Server) Start(addr string) {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("[gateway] listening on %s", addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[gateway] server error: %v", err)
		}
	}()
}

// Stop closes websocket clients and shuts the listener down.
func (s *Server) Stop(ctx context.Context) {
	s.hub.CloseAll()
	if s.srv != nil {
		s.srv.Shutdown(ctx)
	}
}

// HandleWS upgrades /ws?user_id= and binds the connection to a new session.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] ws upgrade error: %v", err)
		return
	}
	go newClient(s.baseCtx, conn, s, userID).serve()
}

// observe records request counts and latency by route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if s.OnRequest == nil {
				return
			}
			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = r.URL.Path
			}
			s.OnRequest(r.Method, route, ww.status, time.Since(start))
		}()
		next.ServeHTTP(ww, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.status = code
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
