package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Well-known event types published by the core. The web layer subscribes
// and forwards tenant-scoped events to that tenant's clients only.
const (
	TypeStatusChanged     = "session.status_changed"
	TypePairingChallenge  = "session.pairing_challenge"
	TypeRetriesExhausted  = "session.retries_exhausted"
	TypeLogLine           = "tenant.log"
	TypeDispatchProgress  = "dispatch.progress"
	TypeDispatchFinished  = "dispatch.finished"
	TypeSchedulesReloaded = "schedule.reloaded"
)

// Event is a lightweight in-memory signal used to decouple the core from
// its consumers (web layer, operator alerts).
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Data should be small and JSON-serializable.
type Event struct {
	Type     string
	TenantID string
	Time     time.Time
	Data     any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) *Subscription
}

// Subscription is a live feed of events. Close() detaches it and closes
// the channel.
type Subscription struct {
	C <-chan Event

	once  sync.Once
	close func()
}

func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(s.close)
}

// New returns an in-memory fanout bus. It owns no background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish never holds the lock while sending.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery; recover in case a subscriber closed
		// concurrently (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	return &Subscription{
		C: ch,
		close: func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		},
	}
}
