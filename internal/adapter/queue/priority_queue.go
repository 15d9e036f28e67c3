package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/ollamux/ollamux/internal/core/constants"
	"github.com/ollamux/ollamux/internal/core/domain"
)

// Item is one queued request. OnReject, when set, is invoked exactly once if
// the item is evicted (deadline, clear) instead of being dequeued.
type Item struct {
	ID          string
	Model       string
	ClientID    string
	Priority    int
	EnqueueTime time.Time
	Deadline    time.Time
	OnReject    func(error)

	seq   uint64 // FIFO tiebreak at equal priority
	index int
}

// ItemView is the read-only admin projection of a queued item.
type ItemView struct {
	ID          string        `json:"id"`
	Model       string        `json:"model"`
	ClientID    string        `json:"clientId,omitempty"`
	Priority    int           `json:"priority"`
	EnqueueTime time.Time     `json:"enqueueTime"`
	Deadline    time.Time     `json:"deadline,omitempty"`
	WaitTime    time.Duration `json:"waitTime"`
}

// Config holds queue tunables; zero values fall back to defaults.
type Config struct {
	MaxSize               int
	MaxPriority           int
	PriorityBoostAmount   int
	PriorityBoostInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = constants.DefaultQueueMaxSize
	}
	if c.MaxPriority <= 0 {
		c.MaxPriority = constants.DefaultMaxPriority
	}
	if c.PriorityBoostAmount <= 0 {
		c.PriorityBoostAmount = constants.DefaultPriorityBoost
	}
	if c.PriorityBoostInterval <= 0 {
		c.PriorityBoostInterval = constants.DefaultBoostInterval
	}
	return c
}

// Stats is a point-in-time queue summary.
type Stats struct {
	Size          int   `json:"size"`
	MaxSize       int   `json:"maxSize"`
	Paused        bool  `json:"paused"`
	TotalEnqueued int64 `json:"totalEnqueued"`
	TotalDequeued int64 `json:"totalDequeued"`
	TotalExpired  int64 `json:"totalExpired"`
	TotalRejected int64 `json:"totalRejected"`
	TotalBoosted  int64 `json:"totalBoosted"`
}

// PriorityQueue is a bounded binary max-heap ordered by (priority DESC,
// enqueue order ASC). A background timer boosts the priority of items that
// have waited longer than the boost interval so low-priority work cannot
// starve. One mutex guards the heap, the boost walk and the counters.
type PriorityQueue struct {
	mu     sync.Mutex
	items  itemHeap
	config Config
	paused bool
	seq    uint64

	totalEnqueued int64
	totalDequeued int64
	totalExpired  int64
	totalRejected int64
	totalBoosted  int64

	signal   chan struct{}
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	nowFn func() time.Time
}

func NewPriorityQueue(cfg Config) *PriorityQueue {
	q := &PriorityQueue{
		config: cfg.withDefaults(),
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		nowFn:  time.Now,
	}
	go q.boostLoop()
	return q
}

// Enqueue adds an item, rejecting when the queue is paused or full.
func (q *PriorityQueue) Enqueue(item *Item) error {
	q.mu.Lock()

	if q.paused {
		q.totalRejected++
		q.mu.Unlock()
		return domain.ErrQueuePaused
	}
	if q.items.Len() >= q.config.MaxSize {
		q.totalRejected++
		q.mu.Unlock()
		return domain.ErrQueueFull
	}

	if item.Priority > q.config.MaxPriority {
		item.Priority = q.config.MaxPriority
	}
	if item.EnqueueTime.IsZero() {
		item.EnqueueTime = q.nowFn()
	}
	q.seq++
	item.seq = q.seq
	heap.Push(&q.items, item)
	q.totalEnqueued++
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue blocks until an item is available or the context ends. Items whose
// deadline has passed are evicted with a deadline error and never returned.
func (q *PriorityQueue) Dequeue(ctx context.Context) (*Item, error) {
	for {
		if item := q.tryDequeue(); item != nil {
			return item, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.stop:
			return nil, domain.ErrQueueCleared
		case <-q.signal:
		}
	}
}

// TryDequeue is the non-blocking variant; nil when empty.
func (q *PriorityQueue) TryDequeue() *Item {
	return q.tryDequeue()
}

func (q *PriorityQueue) tryDequeue() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.nowFn()
	for q.items.Len() > 0 {
		item := heap.Pop(&q.items).(*Item)
		if !item.Deadline.IsZero() && now.After(item.Deadline) {
			q.totalExpired++
			if item.OnReject != nil {
				item.OnReject(domain.ErrDeadlineExceeded)
			}
			continue
		}
		q.totalDequeued++
		if q.items.Len() > 0 {
			// keep other waiters moving; one signal can serve many dequeues
			select {
			case q.signal <- struct{}{}:
			default:
			}
		}
		return item
	}
	return nil
}

// Peek returns the head without removing it; expired items are not evicted.
func (q *PriorityQueue) Peek() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return nil
	}
	return q.items[0]
}

func (q *PriorityQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *PriorityQueue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

func (q *PriorityQueue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
}

// Clear rejects every pending item with a cleared error.
func (q *PriorityQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.clearLocked()
}

func (q *PriorityQueue) clearLocked() int {
	cleared := q.items.Len()
	for _, item := range q.items {
		q.totalRejected++
		if item.OnReject != nil {
			item.OnReject(domain.ErrQueueCleared)
		}
	}
	q.items = q.items[:0]
	return cleared
}

// UpdateConfig patches tunables. A shrunk MaxSize only affects future
// enqueues; queued items are kept.
func (q *PriorityQueue) UpdateConfig(cfg Config) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.config = cfg.withDefaults()
}

func (q *PriorityQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Size:          q.items.Len(),
		MaxSize:       q.config.MaxSize,
		Paused:        q.paused,
		TotalEnqueued: q.totalEnqueued,
		TotalDequeued: q.totalDequeued,
		TotalExpired:  q.totalExpired,
		TotalRejected: q.totalRejected,
		TotalBoosted:  q.totalBoosted,
	}
}

// AllItems returns a snapshot of queued items with computed wait times,
// unordered.
func (q *PriorityQueue) AllItems() []ItemView {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.nowFn()
	out := make([]ItemView, 0, q.items.Len())
	for _, item := range q.items {
		out = append(out, viewOf(item, now))
	}
	return out
}

// RequestsByModel returns queued items for one model.
func (q *PriorityQueue) RequestsByModel(model string) []ItemView {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.nowFn()
	var out []ItemView
	for _, item := range q.items {
		if item.Model == model {
			out = append(out, viewOf(item, now))
		}
	}
	return out
}

// Shutdown stops the boost timer and clears the queue.
func (q *PriorityQueue) Shutdown() {
	q.stopOnce.Do(func() {
		close(q.stop)
	})
	<-q.done

	q.mu.Lock()
	q.clearLocked()
	q.mu.Unlock()
}

// boostLoop periodically raises the priority of long-waiting items and
// rebuilds the heap bottom-up in one O(n) pass.
func (q *PriorityQueue) boostLoop() {
	defer close(q.done)
	timer := time.NewTimer(q.boostInterval())
	defer timer.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-timer.C:
			q.boost()
			timer.Reset(q.boostInterval())
		}
	}
}

func (q *PriorityQueue) boostInterval() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.config.PriorityBoostInterval
}

func (q *PriorityQueue) boost() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.nowFn()
	boosted := false
	for _, item := range q.items {
		if now.Sub(item.EnqueueTime) <= q.config.PriorityBoostInterval {
			continue
		}
		if item.Priority >= q.config.MaxPriority {
			continue
		}
		item.Priority += q.config.PriorityBoostAmount
		if item.Priority > q.config.MaxPriority {
			item.Priority = q.config.MaxPriority
		}
		q.totalBoosted++
		boosted = true
	}
	if boosted {
		heap.Init(&q.items)
	}
}

func viewOf(item *Item, now time.Time) ItemView {
	return ItemView{
		ID:          item.ID,
		Model:       item.Model,
		ClientID:    item.ClientID,
		Priority:    item.Priority,
		EnqueueTime: item.EnqueueTime,
		Deadline:    item.Deadline,
		WaitTime:    now.Sub(item.EnqueueTime),
	}
}

// itemHeap implements heap.Interface as a max-heap on (priority, -seq).
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	item := x.(*Item)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
