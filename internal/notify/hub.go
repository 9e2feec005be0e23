// Package notify is the websocket channel between the broker and peers.
// Peers subscribe to share topics to learn about waiting downloaders and
// batch their ownership heartbeats over the same connection.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/ssd-technologies/conduit/internal/share"
)

const (
	DefaultSendQueue         = 32
	DefaultMessagesPerMinute = 120
	DefaultPingInterval      = 30 * time.Second

	maxMessageBytes = 64 * 1024
	writeWait       = 10 * time.Second
)

var (
	// ErrNoSubscribers is returned by Publish when nobody listens on the topic.
	ErrNoSubscribers = errors.New("no subscribers")
	// ErrDropped is returned by Publish when every subscriber queue was full.
	ErrDropped = errors.New("all subscriber queues full")
)

// HeartbeatFunc validates and records one heartbeat entry.
type HeartbeatFunc func(shareID, token string) error

// Options configures a Hub.
type Options struct {
	Heartbeat HeartbeatFunc
	// Exists, when set, rejects subscriptions to unknown shares.
	Exists func(shareID string) bool
	// CheckOrigin validates the Origin header on upgrade. Nil allows all.
	CheckOrigin func(r *http.Request) bool

	SendQueue         int
	MessagesPerMinute int
	PingInterval      time.Duration

	Logger *slog.Logger
}

// Hub tracks websocket peers and their topic subscriptions.
type Hub struct {
	heartbeat HeartbeatFunc
	exists    func(string) bool
	upgrader  websocket.Upgrader

	sendQueue    int
	msgLimit     rate.Limit
	msgBurst     int
	pingInterval time.Duration
	logger       *slog.Logger

	mu      sync.RWMutex
	topics  map[string]map[*peer]struct{}
	peers   map[*peer]struct{}
	closing bool
}

// NewHub creates a Hub.
func NewHub(opts Options) *Hub {
	h := &Hub{
		heartbeat:    opts.Heartbeat,
		exists:       opts.Exists,
		sendQueue:    opts.SendQueue,
		pingInterval: opts.PingInterval,
		logger:       opts.Logger,
		topics:       make(map[string]map[*peer]struct{}),
		peers:        make(map[*peer]struct{}),
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: opts.CheckOrigin}
	if h.upgrader.CheckOrigin == nil {
		h.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}
	if h.sendQueue <= 0 {
		h.sendQueue = DefaultSendQueue
	}
	perMinute := opts.MessagesPerMinute
	if perMinute <= 0 {
		perMinute = DefaultMessagesPerMinute
	}
	h.msgLimit = rate.Limit(float64(perMinute) / 60)
	h.msgBurst = perMinute
	if h.pingInterval <= 0 {
		h.pingInterval = DefaultPingInterval
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// Publish delivers msg to every subscriber of topic. Delivery is at most
// once: a subscriber whose queue is full misses the event.
func (h *Hub) Publish(topic string, msg any) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	h.mu.RLock()
	subs := make([]*peer, 0, len(h.topics[topic]))
	for p := range h.topics[topic] {
		subs = append(subs, p)
	}
	h.mu.RUnlock()

	if len(subs) == 0 {
		return fmt.Errorf("topic %s: %w", topic, ErrNoSubscribers)
	}

	resp := Response{Type: TypeEvent, Payload: Event{Topic: topic, Payload: raw}}
	delivered := 0
	for _, p := range subs {
		if p.offer(resp) {
			delivered++
		} else {
			h.logger.Warn("subscriber queue full, event dropped", "topic", topic, "peer", p.addr)
		}
	}
	if delivered == 0 {
		return fmt.Errorf("topic %s: %w", topic, ErrDropped)
	}
	return nil
}

// Subscribers returns the number of peers subscribed to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Close disconnects every peer. Connections upgraded afterwards are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closing = true
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
}

func (h *Hub) subscribe(p *peer, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*peer]struct{})
		h.topics[topic] = subs
	}
	subs[p] = struct{}{}
	p.topics[topic] = struct{}{}
}

func (h *Hub) unsubscribe(p *peer, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(p, topic)
}

func (h *Hub) removeLocked(p *peer, topic string) {
	delete(p.topics, topic)
	if subs, ok := h.topics[topic]; ok {
		delete(subs, p)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

func (h *Hub) register(p *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.peers[p] = struct{}{}
	return true
}

func (h *Hub) unregister(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic := range p.topics {
		h.removeLocked(p, topic)
	}
	delete(h.peers, p)
}

// ServeHTTP upgrades the request and serves the peer until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	p := &peer{
		hub:     h,
		conn:    conn,
		addr:    r.RemoteAddr,
		send:    make(chan Response, h.sendQueue),
		done:    make(chan struct{}),
		topics:  make(map[string]struct{}),
		limiter: rate.NewLimiter(h.msgLimit, h.msgBurst),
	}
	if !h.register(p) {
		conn.Close()
		return
	}
	defer func() {
		h.unregister(p)
		p.close()
	}()

	h.logger.Debug("peer connected", "peer", p.addr)
	go p.writeLoop()
	p.readLoop()
	h.logger.Debug("peer disconnected", "peer", p.addr)
}

func (h *Hub) handle(p *peer, msg Message) {
	switch msg.Type {
	case TypeSubscribe, TypeUnsubscribe:
		var payload SubscribePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil || strings.TrimSpace(payload.ShareID) == "" {
			p.replyError("invalid " + msg.Type + " payload")
			return
		}
		topic := share.Topic(payload.ShareID)

		if msg.Type == TypeUnsubscribe {
			h.unsubscribe(p, topic)
			p.reply(Response{Type: TypeUnsubscribed, Payload: payload})
			return
		}
		if h.exists != nil && !h.exists(payload.ShareID) {
			p.replyError("unknown share: " + payload.ShareID)
			return
		}
		h.subscribe(p, topic)
		p.reply(Response{Type: TypeSubscribed, Payload: payload})

	case TypeHeartbeat:
		var payload HeartbeatPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			p.replyError("invalid heartbeat payload")
			return
		}
		p.reply(Response{Type: TypeHeartbeatAck, Payload: h.applyHeartbeat(p, payload)})

	default:
		p.replyError("unknown message type: " + msg.Type)
	}
}

// applyHeartbeat processes each entry on its own; a bad entry never
// affects the others.
func (h *Hub) applyHeartbeat(p *peer, payload HeartbeatPayload) HeartbeatAck {
	ack := HeartbeatAck{Accepted: []string{}, Rejected: []string{}}
	for _, e := range payload.Shares {
		if h.heartbeat == nil {
			ack.Accepted = append(ack.Accepted, e.ShareID)
			continue
		}
		if err := h.heartbeat(e.ShareID, e.OwnerToken); err != nil {
			h.logger.Warn("heartbeat rejected", "share", e.ShareID, "peer", p.addr, "error", err)
			ack.Rejected = append(ack.Rejected, e.ShareID)
			continue
		}
		ack.Accepted = append(ack.Accepted, e.ShareID)
	}
	return ack
}
