// Package viewer tails the transcript topics and fans events out to browser
// clients over websocket.
package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Event is a transcript event as published by the hand-off.
type Event struct {
	EventType    string  `json:"eventType"`
	SessionID    string  `json:"sessionId"`
	LanguageCode string  `json:"languageCode"`
	ResultID     uint64  `json:"resultId,omitempty"`
	Text         string  `json:"text"`
	Confidence   float64 `json:"confidence,omitempty"`
	Timestamp    int64   `json:"timestamp"`
}

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// NewReader reads topic from partition 0 starting at since.
func NewReader(ctx context.Context, brokers []string, topic string, since time.Duration) *kafka.Reader {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	if since > 0 {
		_ = r.SetOffsetAt(ctx, time.Now().Add(-since))
	}
	return r
}

// Decode parses one Kafka message. The event type header wins over the body.
func Decode(msg kafka.Message) (Event, error) {
	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return Event{}, err
	}
	for _, h := range msg.Headers {
		if h.Key == "eventType" && len(h.Value) > 0 && ev.EventType == "" {
			ev.EventType = string(h.Value)
		}
	}
	return ev, nil
}

// Consume reads r until ctx ends, handing every decodable event to emit.
func Consume(ctx context.Context, r MessageReader, emit func(Event), logger zerolog.Logger) error {
	defer r.Close()

	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn().Err(err).Msg("Kafka read error")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		ev, err := Decode(msg)
		if err != nil {
			logger.Warn().Err(err).Str("topic", msg.Topic).Int64("offset", msg.Offset).Msg("Skipping undecodable event")
			continue
		}
		logger.Debug().
			Str("eventType", ev.EventType).
			Str("sessionId", ev.SessionID).
			Str("text", truncate(ev.Text, 40)).
			Msg("Received transcript event")
		emit(ev)
	}
}

// Hub broadcasts events to every connected websocket client.
type Hub struct {
	logger    zerolog.Logger
	broadcast chan Event

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHub creates a hub. Run must be called to deliver events.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:    logger,
		broadcast: make(chan Event, 100),
		clients:   make(map[*websocket.Conn]struct{}),
	}
}

// Publish queues ev for broadcast, dropping it if the hub is saturated.
func (h *Hub) Publish(ev Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn().Str("sessionId", ev.SessionID).Msg("Viewer hub saturated, dropping event")
	}
}

// Run delivers queued events until ctx ends, then disconnects all clients.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return
		case ev := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteJSON(ev); err != nil {
					h.logger.Debug().Err(err).Msg("Viewer client write failed")
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("Viewer upgrade failed")
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info().Int("clients", n).Msg("Viewer client connected")

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		h.mu.Lock()
		if _, ok := h.clients[conn]; ok {
			delete(h.clients, conn)
			conn.Close()
		}
		n := len(h.clients)
		h.mu.Unlock()
		h.logger.Info().Int("clients", n).Msg("Viewer client disconnected")
	}()
}

// ErrNoTopics is returned when the viewer is started without topics.
var ErrNoTopics = errors.New("viewer: no topics to consume")

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
