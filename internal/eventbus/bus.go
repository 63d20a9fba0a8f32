package eventbus

import (
	"slices"
	"sync"
	"time"
)

// Event types published by the bot.
const (
	TaskPosted       = "task.posted"
	TaskEscalated    = "task.escalated"
	TaskAcknowledged = "task.acknowledged"
	TaskFailed       = "task.failed"
	CycleCompleted   = "scheduler.cycle"
	ConfigReloaded   = "config.reloaded"
)

// Event is a small in-memory signal. Data should be JSON-serializable.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Bus fans events out to subscribers. Publish never blocks; a slow subscriber
// misses events instead.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus { return &memBus{} }

type subscriber struct{ ch chan Event }

type memBus struct {
	// mu is read-held while sending so unsubscribe never closes a channel mid-send.
	mu   sync.RWMutex
	subs []*subscriber
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() { once.Do(func() { b.remove(sub) }) }
}

func (b *memBus) remove(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = slices.DeleteFunc(b.subs, func(s *subscriber) bool { return s == sub })
	close(sub.ch)
}
