package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/rennerdo30/tunnelguard/internal/logging"
)

// Topic names a push subscription.
type Topic string

const (
	TopicState    Topic = "state"
	TopicSettings Topic = "settings"
)

// Frame is one push message. Sequence numbers are per topic and increase
// by one for every published value.
type Frame struct {
	Type     Topic           `json:"type"`
	Sequence uint64          `json:"sequence"`
	Data     json.RawMessage `json:"data"`
}

// ErrSubscriptionClosed is returned by Next after Close.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Hub is the subscriber registry. Every subscriber owns an unbounded
// queue, so a slow reader delays only itself and never loses a frame.
type Hub struct {
	log *slog.Logger

	mu       sync.Mutex
	subs     map[string]*Subscription
	seq      map[Topic]uint64
	last     map[Topic]Frame
	observer func(Topic, int)
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		log:  logging.WithComponent("api.hub"),
		subs: make(map[string]*Subscription),
		seq:  make(map[Topic]uint64),
		last: make(map[Topic]Frame),
	}
}

// OnSubscribersChanged registers fn to receive the subscriber count of a
// topic whenever it changes.
func (h *Hub) OnSubscribersChanged(fn func(topic Topic, n int)) {
	h.mu.Lock()
	h.observer = fn
	h.mu.Unlock()
}

// Publish appends data to the queue of every subscriber of topic and keeps
// it as the snapshot for later subscribers.
func (h *Hub) Publish(topic Topic, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", topic, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq[topic]++
	f := Frame{Type: topic, Sequence: h.seq[topic], Data: raw}
	h.last[topic] = f
	for _, s := range h.subs {
		if s.topic == topic {
			s.push(f)
		}
	}
	return nil
}

// Subscribe registers a subscriber of topic. Its first frame is the last
// published value, if any.
func (h *Hub) Subscribe(topic Topic) *Subscription {
	s := &Subscription{
		ID:     uuid.NewString(),
		topic:  topic,
		hub:    h,
		signal: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}

	h.mu.Lock()
	if f, ok := h.last[topic]; ok {
		s.push(f)
	}
	h.subs[s.ID] = s
	n := h.countLocked(topic)
	obs := h.observer
	h.mu.Unlock()

	if obs != nil {
		obs(topic, n)
	}
	h.log.Debug("subscriber added", "topic", topic, "id", s.ID, "subscribers", n)
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	if _, ok := h.subs[s.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, s.ID)
	n := h.countLocked(s.topic)
	obs := h.observer
	h.mu.Unlock()

	if obs != nil {
		obs(s.topic, n)
	}
	h.log.Debug("subscriber removed", "topic", s.topic, "id", s.ID, "subscribers", n)
}

// Count returns the number of subscribers of topic.
func (h *Hub) Count(topic Topic) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.countLocked(topic)
}

func (h *Hub) countLocked(topic Topic) int {
	n := 0
	for _, s := range h.subs {
		if s.topic == topic {
			n++
		}
	}
	return n
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

// Subscription is one registered subscriber.
type Subscription struct {
	ID    string
	topic Topic
	hub   *Hub

	mu     sync.Mutex
	queue  []Frame
	signal chan struct{}
	closed chan struct{}
	once   sync.Once
}

func (s *Subscription) push(f Frame) {
	s.mu.Lock()
	s.queue = append(s.queue, f)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Next returns the next queued frame, waiting for one if necessary.
func (s *Subscription) Next(ctx context.Context) (Frame, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			f := s.queue[0]
			s.queue[0] = Frame{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return f, nil
		}
		s.mu.Unlock()

		select {
		case <-s.signal:
		case <-s.closed:
			return Frame{}, ErrSubscriptionClosed
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// Pending returns the number of queued frames.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close unregisters the subscription. Queued frames are dropped.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.closed)
		s.hub.remove(s)
	})
}

// Handler serves websocket subscriptions to topic.
func (h *Hub) Handler(topic Topic) http.Handler {
	return websocket.Server{
		Handshake: checkLocalOrigin,
		Handler: func(ws *websocket.Conn) {
			h.serveWS(ws, topic)
		},
	}
}

func (h *Hub) serveWS(ws *websocket.Conn, topic Topic) {
	defer ws.Close()

	sub := h.Subscribe(topic)
	defer sub.Close()

	ctx, cancel := context.WithCancel(ws.Request().Context())
	defer cancel()

	go func() {
		defer logging.Recover(h.log, "subscription writer")
		defer ws.Close()
		for {
			f, err := sub.Next(ctx)
			if err != nil {
				return
			}
			if err := websocket.JSON.Send(ws, f); err != nil {
				h.log.Debug("subscriber write failed", "id", sub.ID, "error", err)
				return
			}
		}
	}()

	// The read side only detects the peer going away and answers pings.
	for {
		var msg string
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			return
		}
		if msg == "ping" {
			_ = websocket.Message.Send(ws, "pong")
		}
	}
}

// checkLocalOrigin rejects browser pages served from other hosts. Clients
// that are not browsers may omit the Origin header.
func checkLocalOrigin(cfg *websocket.Config, req *http.Request) error {
	origin := req.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("bad origin %q: %w", origin, err)
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		cfg.Origin = u
		return nil
	}
	if addr, err := netip.ParseAddr(host); err == nil && addr.IsLoopback() {
		cfg.Origin = u
		return nil
	}
	return fmt.Errorf("origin %q not allowed", origin)
}
