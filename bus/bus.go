package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sd0xdev/onekey-balance-kit/models"
)

// DefaultReplayCapacity bounds the in-memory replay window.
const DefaultReplayCapacity = 100

const subscriberBuffer = 16

// Bus is the process-wide invalidation pub/sub channel plus the bounded
// replay window backing reconnect backfill. All methods are safe for
// concurrent use and never suspend: fan-out is a non-blocking channel send
// that drops on a full subscriber buffer.
type Bus struct {
	mu       sync.RWMutex
	subs     map[uint64]chan models.InvalidationEvent
	nextSub  uint64
	ring     []models.InvalidationEvent
	head     int // index of the oldest retained event
	size     int
	capacity int
	seq      uint64
	logger   *logrus.Logger
}

func New(capacity int, logger *logrus.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultReplayCapacity
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus{
		subs:     make(map[uint64]chan models.InvalidationEvent),
		ring:     make([]models.InvalidationEvent, capacity),
		capacity: capacity,
		logger:   logger,
	}
}

// Publish stamps the event with a fresh monotonic id, records it in the
// replay window (evicting the oldest on overflow) and fans it out to every
// live subscriber in publish order.
func (b *Bus) Publish(event models.InvalidationEvent) models.InvalidationEvent {
	b.mu.Lock()
	event = b.stamp(event)
	if b.size == b.capacity {
		b.head = (b.head + 1) % b.capacity
		b.size--
	}
	b.ring[(b.head+b.size)%b.capacity] = event
	b.size++
	b.fanOutLocked(event)
	b.mu.Unlock()
	return event
}

// PublishTransient fans the event out without recording it, so it can never
// be replayed. Heartbeats go through here.
func (b *Bus) PublishTransient(event models.InvalidationEvent) models.InvalidationEvent {
	b.mu.Lock()
	event = b.stamp(event)
	b.fanOutLocked(event)
	b.mu.Unlock()
	return event
}

// stamp assigns id, sequence and timestamp. Caller holds b.mu.
func (b *Bus) stamp(event models.InvalidationEvent) models.InvalidationEvent {
	b.seq++
	event.Seq = b.seq
	event.ID = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), b.seq)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return event
}

func (b *Bus) fanOutLocked(event models.InvalidationEvent) {
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.logger.WithFields(logrus.Fields{
				"subscriber": id,
				"event":      event.ID,
			}).Warn("Subscriber buffer full, dropping event")
		}
	}
}

// Subscribe returns a live, push-based sequence of events published after
// this call, plus a cancel func. Cancel is idempotent and closes the channel.
func (b *Bus) Subscribe() (<-chan models.InvalidationEvent, func()) {
	ch := make(chan models.InvalidationEvent, subscriberBuffer)

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// EventsSince returns, in publish order, every retained event strictly after
// the given id. An unknown or aged-out id degrades to the full retained
// window rather than failing.
func (b *Bus) EventsSince(id string) []models.InvalidationEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	window := make([]models.InvalidationEvent, 0, b.size)
	found := -1
	for i := 0; i < b.size; i++ {
		ev := b.ring[(b.head+i)%b.capacity]
		if ev.ID == id {
			found = i
		}
		window = append(window, ev)
	}
	if found >= 0 {
		return window[found+1:]
	}
	return window
}

// Len reports the number of retained events, for tests and monitoring.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
