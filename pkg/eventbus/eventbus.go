package eventbus

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Bus is a lock-free pub/sub fan-out. Publishing never blocks: a subscriber
// whose buffer is full misses the event and has its drop counter bumped, so a
// stalled consumer cannot back-pressure the breaker or health hot paths that
// publish into it.
type Bus[T any] struct {
	subscribers *xsync.Map[string, *subscriber[T]]
	closed      atomic.Bool
	seq         atomic.Uint64
	bufferSize  int

	reapTicker *time.Ticker
	stopReap   chan struct{}
}

type subscriber[T any] struct {
	id         string
	ch         chan T
	lastActive atomic.Int64
	dropped    atomic.Uint64
	active     atomic.Bool
}

// Config tunes subscriber buffering and stale-subscriber reaping.
type Config struct {
	BufferSize      int
	ReapPeriod      time.Duration
	InactiveTimeout time.Duration
}

var DefaultConfig = Config{
	BufferSize:      64,
	ReapPeriod:      5 * time.Minute,
	InactiveTimeout: 10 * time.Minute,
}

func New[T any]() *Bus[T] {
	return NewWithConfig[T](DefaultConfig)
}

func NewWithConfig[T any](cfg Config) *Bus[T] {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig.BufferSize
	}
	b := &Bus[T]{
		subscribers: xsync.NewMap[string, *subscriber[T]](),
		bufferSize:  cfg.BufferSize,
		stopReap:    make(chan struct{}),
	}
	if cfg.ReapPeriod > 0 {
		b.reapTicker = time.NewTicker(cfg.ReapPeriod)
		go b.reapLoop(cfg.InactiveTimeout)
	}
	return b
}

// Subscribe registers a consumer. The returned channel closes on unsubscribe
// or bus shutdown; the cleanup func is idempotent and also runs when ctx ends.
func (b *Bus[T]) Subscribe(ctx context.Context) (<-chan T, func()) {
	if b.closed.Load() {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}

	id := "sub-" + strconv.FormatUint(b.seq.Add(1), 10)
	sub := &subscriber[T]{
		id: id,
		ch: make(chan T, b.bufferSize),
	}
	sub.lastActive.Store(time.Now().UnixNano())
	sub.active.Store(true)
	b.subscribers.Store(id, sub)

	go func() {
		<-ctx.Done()
		b.unsubscribe(id)
	}()

	return sub.ch, func() { b.unsubscribe(id) }
}

// Publish delivers the event to every subscriber with buffer room and returns
// the delivery count.
func (b *Bus[T]) Publish(event T) int {
	if b.closed.Load() {
		return 0
	}

	delivered := 0
	now := time.Now().UnixNano()
	b.subscribers.Range(func(_ string, sub *subscriber[T]) bool {
		if !sub.active.Load() {
			return true
		}
		select {
		case sub.ch <- event:
			sub.lastActive.Store(now)
			delivered++
		default:
			sub.dropped.Add(1)
		}
		return true
	})
	return delivered
}

// Shutdown closes every subscriber channel. Further publishes are dropped.
func (b *Bus[T]) Shutdown() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	if b.reapTicker != nil {
		b.reapTicker.Stop()
		close(b.stopReap)
	}
	b.subscribers.Range(func(_ string, sub *subscriber[T]) bool {
		sub.active.Store(false)
		close(sub.ch)
		return true
	})
	b.subscribers.Clear()
}

// Stats reports subscriber and drop totals.
type Stats struct {
	Subscribers int
	Dropped     uint64
	Closed      bool
}

func (b *Bus[T]) Stats() Stats {
	stats := Stats{Closed: b.closed.Load()}
	if stats.Closed {
		return stats
	}
	b.subscribers.Range(func(_ string, sub *subscriber[T]) bool {
		if sub.active.Load() {
			stats.Subscribers++
		}
		stats.Dropped += sub.dropped.Load()
		return true
	})
	return stats
}

func (b *Bus[T]) unsubscribe(id string) {
	if sub, ok := b.subscribers.LoadAndDelete(id); ok {
		sub.active.Store(false)
		close(sub.ch)
	}
}

func (b *Bus[T]) reapLoop(inactiveTimeout time.Duration) {
	for {
		select {
		case <-b.stopReap:
			return
		case <-b.reapTicker.C:
			cutoff := time.Now().Add(-inactiveTimeout).UnixNano()
			var stale []string
			b.subscribers.Range(func(id string, sub *subscriber[T]) bool {
				if !sub.active.Load() || sub.lastActive.Load() < cutoff {
					stale = append(stale, id)
				}
				return true
			})
			for _, id := range stale {
				b.unsubscribe(id)
			}
		}
	}
}
