package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

type subscriber struct {
	channels map[string]bool
	send     chan []byte
}

// Hub fans events out to WebSocket subscribers. Clients pick channels with
// repeated ?channel= query parameters (default: global). A subscriber whose
// buffer is full misses the event instead of slowing the writer.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	buffer int
	logger *slog.Logger
}

// NewHub creates a hub with the given per-subscriber buffer.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[*subscriber]struct{}),
		buffer: buffer,
		logger: logger.With("component", "fanout_ws"),
	}
}

// Emit queues the event for every subscriber of channel.
func (h *Hub) Emit(_ context.Context, channel, event string, payload any) error {
	body, err := json.Marshal(NewEnvelope(channel, event, payload))
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	dropped := 0
	for sub := range h.subs {
		if !sub.channels[channel] {
			continue
		}
		select {
		case sub.send <- body:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Warn("Dropped event for slow subscribers", "channel", channel, "event", event, "dropped", dropped)
	}
	return nil
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// ServeHTTP upgrades the connection and streams events until either side closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		h.logger.Warn("WebSocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	sub := &subscriber{channels: make(map[string]bool), send: make(chan []byte, h.buffer)}
	for _, ch := range r.URL.Query()["channel"] {
		if ch != "" {
			sub.channels[ch] = true
		}
	}
	if len(sub.channels) == 0 {
		sub.channels[GlobalChannel] = true
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
	}()

	h.logger.Debug("Subscriber connected", "channels", len(sub.channels))

	// Subscribers only listen; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sub.send:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				h.logger.Debug("Subscriber write failed", "error", err)
				return
			}
		}
	}
}
