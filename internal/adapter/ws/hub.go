package ws

import (
	"log/slog"
	"sync"

	"github.com/solotto/solotto/internal/core/domain"
)

// Event is one outbound message to a live viewer.
type Event struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

const subscriberBuffer = 64

// Subscriber is one connected viewer's handle. Its lifecycle is independent
// of publishers: dropping a subscriber never blocks a publish.
type Subscriber struct {
	Wallet string

	events chan Event
	closed bool
}

// Events is the ordered stream of messages for this subscriber. The channel
// is closed when the subscriber is removed.
func (s *Subscriber) Events() <-chan Event { return s.events }

// Hub is the topic-keyed registry of subscribers. Rooms exist per pool and
// per draw; publishing to a topic delivers to every member in publish order.
type Hub struct {
	mu      sync.Mutex
	rooms   map[string]map[*Subscriber]struct{}
	members map[*Subscriber]map[string]struct{}
}

func NewHub() *Hub {
	return &Hub{
		rooms:   make(map[string]map[*Subscriber]struct{}),
		members: make(map[*Subscriber]map[string]struct{}),
	}
}

// PoolTopic names the broadcast room for one pool.
func PoolTopic(poolID string) string { return "pool:" + poolID }

// DrawTopic names the broadcast room for one draw.
func DrawTopic(drawID string) string { return "draw:" + drawID }

// Register creates a subscriber handle for a new connection.
func (h *Hub) Register(wallet string) *Subscriber {
	sub := &Subscriber{Wallet: wallet, events: make(chan Event, subscriberBuffer)}
	h.mu.Lock()
	h.members[sub] = make(map[string]struct{})
	h.mu.Unlock()
	return sub
}

// SetWallet binds a wallet to an established subscriber. It takes the hub
// lock because broadcast paths read the wallet while holding it.
func (h *Hub) SetWallet(sub *Subscriber, wallet string) {
	h.mu.Lock()
	sub.Wallet = wallet
	h.mu.Unlock()
}

// Join adds the subscriber to a topic room.
func (h *Hub) Join(sub *Subscriber, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	room, ok := h.rooms[topic]
	if !ok {
		room = make(map[*Subscriber]struct{})
		h.rooms[topic] = room
	}
	room[sub] = struct{}{}
	h.members[sub][topic] = struct{}{}
}

// Leave removes the subscriber from one topic room.
func (h *Hub) Leave(sub *Subscriber, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(sub, topic)
}

func (h *Hub) leaveLocked(sub *Subscriber, topic string) {
	if room, ok := h.rooms[topic]; ok {
		delete(room, sub)
		if len(room) == 0 {
			delete(h.rooms, topic)
		}
	}
	if topics, ok := h.members[sub]; ok {
		delete(topics, topic)
	}
}

// Unregister releases room membership and closes the event stream. In-flight
// operations the subscriber started are unaffected.
func (h *Hub) Unregister(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	for topic := range h.members[sub] {
		h.leaveLocked(sub, topic)
	}
	delete(h.members, sub)
	sub.closed = true
	close(sub.events)
}

// Send queues one event to a single subscriber, bypassing rooms. Used for
// requester-only replies.
func (h *Hub) Send(sub *Subscriber, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendLocked(sub, ev)
}

func (h *Hub) sendLocked(sub *Subscriber, ev Event) {
	if sub.closed {
		return
	}
	select {
	case sub.events <- ev:
	default:
		// A viewer that cannot keep up is dropped rather than allowed to
		// stall the room.
		slog.Warn("dropping slow subscriber", "wallet", sub.Wallet)
		for topic := range h.members[sub] {
			h.leaveLocked(sub, topic)
		}
		delete(h.members, sub)
		sub.closed = true
		close(sub.events)
	}
}

// Publish delivers the event to every member of the topic. Publishes for one
// topic are serialized here, so each subscriber observes them in the order
// they were committed.
func (h *Hub) Publish(topic string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.rooms[topic] {
		h.sendLocked(sub, ev)
	}
}

// PublishPoolUpdate implements lottery.EventSink.
func (h *Hub) PublishPoolUpdate(poolID string, stats domain.RealTimeStats) {
	h.Publish(PoolTopic(poolID), Event{
		Event:   "pool_update",
		Payload: map[string]any{"poolId": poolID, "stats": stats},
	})
}

// PublishDrawEvent implements lottery.EventSink. Draw progress goes to the
// pool's room; draw rooms serve replay of persisted draws on subscribe.
func (h *Hub) PublishDrawEvent(poolID, event string, payload any) {
	h.Publish(PoolTopic(poolID), Event{Event: event, Payload: payload})
}
