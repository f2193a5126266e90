package eventbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// GlobalTopic is the topic every token state change is published to,
// regardless of which token it concerns.
const GlobalTopic = "token_states"

// TokenTopic returns the per-token topic name for tokenID.
func TokenTopic(tokenID uuid.UUID) string {
	return fmt.Sprintf("token:%s", tokenID)
}

// EventType discriminates the two event shapes this bus carries.
type EventType string

const (
	EventActivated EventType = "token_activated"
	EventReleased  EventType = "token_released"
)

// Event is the canonical message shape published on both the global and
// per-token topics. UserID and ActivatedAt are zero-valued for
// EventReleased.
type Event struct {
	Type        EventType
	TokenID     uuid.UUID
	UserID      uuid.UUID
	ActivatedAt time.Time
}

// subscriberBufferSize bounds how far a slow subscriber may lag before
// Publish starts dropping events to it. Delivery is best-effort, at-most-
// once: a full channel means the event is dropped, not blocked on.
const subscriberBufferSize = 32

type subscriber struct {
	id int64
	ch chan Event
}

// Bus is the process-local pub/sub broker. Safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	topics map[string][]subscriber
	nextID int64
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{topics: make(map[string][]subscriber)}
}

// Subscribe returns a channel of events published to topic, and an
// unsubscribe function that must be called when the caller is done.
func (b *Bus) Subscribe(topic string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	ch := make(chan Event, subscriberBufferSize)
	b.topics[topic] = append(b.topics[topic], subscriber{id: id, ch: ch})

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.topics[topic]
		for i, s := range subs {
			if s.id == id {
				b.topics[topic] = append(subs[:i], subs[i+1:]...)
				close(s.ch)
				break
			}
		}
		if len(b.topics[topic]) == 0 {
			delete(b.topics, topic)
		}
	}
	return ch, unsubscribe
}

// SubscribeAll subscribes to GlobalTopic, receiving every event in the
// system regardless of token.
func (b *Bus) SubscribeAll() (<-chan Event, func()) {
	return b.Subscribe(GlobalTopic)
}

// SubscribeToken subscribes to events concerning a single token.
func (b *Bus) SubscribeToken(tokenID uuid.UUID) (<-chan Event, func()) {
	return b.Subscribe(TokenTopic(tokenID))
}

func (b *Bus) publish(topic string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Hold the lock across the send so a concurrent unsubscribe can't
	// close s.ch between reading the slice and sending on it.
	for _, s := range b.topics[topic] {
		select {
		case s.ch <- ev:
		default:
			// Slow subscriber: drop rather than block the publisher.
		}
	}
}

// PublishActivated publishes a token_activated event on both the global
// and per-token topics. Implements allocator.Publisher.
func (b *Bus) PublishActivated(tokenID, userID uuid.UUID, activatedAt time.Time) {
	ev := Event{Type: EventActivated, TokenID: tokenID, UserID: userID, ActivatedAt: activatedAt}
	b.publish(GlobalTopic, ev)
	b.publish(TokenTopic(tokenID), ev)
}

// PublishReleased publishes a token_released event on both the global
// and per-token topics. Implements allocator.Publisher.
func (b *Bus) PublishReleased(tokenID uuid.UUID) {
	ev := Event{Type: EventReleased, TokenID: tokenID}
	b.publish(GlobalTopic, ev)
	b.publish(TokenTopic(tokenID), ev)
}
