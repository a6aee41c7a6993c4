package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Event types pushed to the frontend
const (
	EventAuthInvalid  = "auth_invalid"
	EventAuthCleared  = "auth_cleared"
	EventCredentialOK = "credential_installed"
)

const (
	writeTimeout  = 5 * time.Second
	subscriberBuf = 8
)

type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
}

type subscriber struct {
	events chan Event
}

// Hub fans frontend events out to connected websocket clients. Slow clients
// lose events rather than block the publisher; the frontend can poll the
// auth state to catch up.
type Hub struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	origins     []string
	logger      *zap.Logger
}

func NewHub(originPatterns []string, logger *zap.Logger) *Hub {
	return &Hub{
		subscribers: make(map[*subscriber]struct{}),
		origins:     originPatterns,
		logger:      logger,
	}
}

// NotifyAuthInvalid implements authgate.Notifier
func (h *Hub) NotifyAuthInvalid(ctx context.Context) error {
	n := h.Publish(Event{Type: EventAuthInvalid, At: time.Now()})
	h.logger.Info("Auth invalid pushed to frontend", zap.Int("clients", n))
	return nil
}

// Publish queues ev for every client and returns how many accepted it
func (h *Hub) Publish(ev Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for sub := range h.subscribers {
		select {
		case sub.events <- ev:
			delivered++
		default:
			h.logger.Warn("Frontend client too slow, event dropped", zap.String("type", ev.Type))
		}
	}
	return delivered
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Warn("Failed to accept websocket", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	sub := &subscriber{events: make(chan Event, subscriberBuf)}
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.subscribers, sub)
		h.mu.Unlock()
	}()

	h.logger.Debug("Frontend connected", zap.String("remote", r.RemoteAddr))

	// the frontend only listens; reading in the background handles pings and close frames
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-sub.events:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				h.logger.Debug("Frontend write failed", zap.Error(err))
				return
			}
		}
	}
}
