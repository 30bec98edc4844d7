// Package events is the in-process notification bus for pool lifecycle
// changes.
package events

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Topic names for pool lifecycle events. AllTopics subscribes to every one.
const (
	TopicKeyAdmitted  = "pool.key.admitted"
	TopicKeyRetired   = "pool.key.retired"
	TopicPoolChecked  = "pool.checked"
	TopicKeysReloaded = "keysource.reloaded"

	AllTopics = "*"
)

// KeyAdmitted is the payload of TopicKeyAdmitted.
type KeyAdmitted struct {
	Key       string `json:"key"`
	Connected bool   `json:"connected"`
	Replaced  bool   `json:"replaced"`
}

// KeyRetired is the payload of TopicKeyRetired.
type KeyRetired struct {
	Key    string    `json:"key"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}

// PoolChecked is the payload of TopicPoolChecked.
type PoolChecked struct {
	Checked int      `json:"checked"`
	Usable  int      `json:"usable"`
	Retired []string `json:"retired"`
	Err     string   `json:"error,omitempty"`
}

// KeysReloaded is the payload of TopicKeysReloaded.
type KeysReloaded struct {
	File    string   `json:"file"`
	Added   []string `json:"added"`
	Known   int      `json:"known"`
	Invalid int      `json:"invalid"`
}

// Event is one delivered message.
type Event struct {
	Topic     string            `json:"topic"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   any               `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Handler processes an incoming event.
type Handler func(context.Context, Event)

// Publisher is what pool and keysource publish through.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, metadata map[string]string)
}

// Subscriber registers handlers and returns their cancel funcs.
type Subscriber interface {
	Subscribe(topic string, handler Handler) func()
}

type subscription struct {
	id      uint64
	topic   string
	handler Handler
}

// Hub delivers events synchronously, in subscription order, on the
// publishing goroutine.
type Hub struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	now    func() time.Time
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{now: time.Now}
}

// Subscribe registers handler for topic, or for every topic when topic is
// AllTopics. The returned func removes it and is safe to call twice.
func (h *Hub) Subscribe(topic string, handler Handler) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs = append(h.subs, subscription{id: id, topic: topic, handler: handler})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(id) })
	}
}

// On subscribes fn to topic for payloads of type T. Events carrying any
// other payload type are ignored.
func On[T any](s Subscriber, topic string, fn func(context.Context, T)) func() {
	return s.Subscribe(topic, func(ctx context.Context, ev Event) {
		if payload, ok := ev.Payload.(T); ok {
			fn(ctx, payload)
		}
	})
}

// Publish stamps and delivers one event. A panicking handler is logged and
// the remaining handlers still run.
func (h *Hub) Publish(ctx context.Context, topic string, payload any, metadata map[string]string) {
	handlers := h.matching(topic)
	if len(handlers) == 0 {
		return
	}
	ev := Event{
		Topic:     topic,
		Timestamp: h.now().UTC(),
		Payload:   payload,
		Metadata:  metadata,
	}
	for _, handler := range handlers {
		deliver(ctx, handler, ev)
	}
}

// Subscribers counts handlers that receive topic, wildcard ones included.
func (h *Hub) Subscribers(topic string) int {
	return len(h.matching(topic))
}

func (h *Hub) matching(topic string) []Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []Handler
	for _, sub := range h.subs {
		if sub.topic == topic || sub.topic == AllTopics {
			out = append(out, sub.handler)
		}
	}
	return out
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, sub := range h.subs {
		if sub.id == id {
			h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
			return
		}
	}
}

func deliver(ctx context.Context, handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"topic": ev.Topic, "panic": r}).Error("event handler panicked")
		}
	}()
	handler(ctx, ev)
}
