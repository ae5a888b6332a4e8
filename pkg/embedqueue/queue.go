package embedqueue

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dotsetgreg/turnpike/pkg/events"
	"github.com/dotsetgreg/turnpike/pkg/logger"
	"github.com/dotsetgreg/turnpike/pkg/memory"
)

// Tier orders queue items. Lower values are evicted first.
type Tier int

const (
	TierLow Tier = iota
	TierNormal
	TierHigh
)

func (t Tier) String() string {
	switch t {
	case TierHigh:
		return "high"
	case TierNormal:
		return "normal"
	default:
		return "low"
	}
}

// Item is one pending embedding request.
type Item struct {
	MemoryID   string
	Tier       Tier
	Retries    int
	EnqueuedAt time.Time
	RunID      string
}

// Embedder computes a vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Options sizes the queue.
type Options struct {
	Capacity   int
	BatchSize  int
	Tick       time.Duration
	MaxRetries int
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = 500
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 16
	}
	if o.Tick <= 0 {
		o.Tick = 100 * time.Millisecond
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	return o
}

// Stats is a point-in-time queue size breakdown.
type Stats struct {
	Total  int
	High   int
	Normal int
	Low    int
}

// Queue computes embeddings for memory records in the background.
// Callers enqueue and move on; a ticker drains the queue in batches.
type Queue struct {
	store    memory.Store
	embedder Embedder
	emitter  events.Emitter
	opts     Options

	mu    sync.Mutex
	items []*Item

	inFlight atomic.Bool
	batches  sync.WaitGroup

	started  bool
	done     chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}
}

func New(store memory.Store, embedder Embedder, emitter events.Emitter, opts Options) *Queue {
	return &Queue{
		store:    store,
		embedder: embedder,
		emitter:  emitter,
		opts:     opts.withDefaults(),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// Start launches the tick loop.
func (q *Queue) Start() {
	q.started = true
	go q.loop()
}

func (q *Queue) loop() {
	defer close(q.loopDone)
	ticker := time.NewTicker(q.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-q.done:
			return
		case <-ticker.C:
			q.tick()
		}
	}
}

// Enqueue requests an embedding for the given memory. It returns
// immediately; the work happens on a future tick. Records that already
// carry an embedding are skipped.
func (q *Queue) Enqueue(ctx context.Context, memoryID string, tier Tier, runID string) {
	has, err := q.store.HasEmbedding(ctx, memoryID)
	if err != nil {
		logger.WarnCF("EMBEDQUEUE", "embedding lookup failed, enqueueing anyway", map[string]interface{}{
			"memory_id": memoryID,
			"error":     err.Error(),
		})
	} else if has {
		return
	}

	item := &Item{
		MemoryID:   memoryID,
		Tier:       tier,
		EnqueuedAt: time.Now(),
		RunID:      runID,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.insertLocked(item)
}

// insertLocked places the item after the last existing item of the
// same or higher tier, so scanning front-to-back always yields
// high, then normal, then low, FIFO within each tier.
func (q *Queue) insertLocked(item *Item) {
	if len(q.items) >= q.opts.Capacity {
		q.evictLocked()
	}

	pos := len(q.items)
	for i, existing := range q.items {
		if existing.Tier < item.Tier {
			pos = i
			break
		}
	}

	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = item
}

// evictLocked removes clamp(10% of capacity, 1, 10) items, lowest
// tier first, oldest first within a tier. Remaining items keep their
// relative order.
func (q *Queue) evictLocked() {
	n := q.opts.Capacity / 10
	if n < 1 {
		n = 1
	}
	if n > 10 {
		n = 10
	}
	if n > len(q.items) {
		n = len(q.items)
	}

	victims := make([]*Item, len(q.items))
	copy(victims, q.items)
	sort.SliceStable(victims, func(i, j int) bool {
		if victims[i].Tier != victims[j].Tier {
			return victims[i].Tier < victims[j].Tier
		}
		return victims[i].EnqueuedAt.Before(victims[j].EnqueuedAt)
	})

	drop := make(map[*Item]bool, n)
	for _, v := range victims[:n] {
		drop[v] = true
	}

	kept := q.items[:0]
	for _, it := range q.items {
		if !drop[it] {
			kept = append(kept, it)
		}
	}
	q.items = kept

	logger.InfoCF("EMBEDQUEUE", "evicted items under capacity pressure", map[string]interface{}{
		"evicted":  n,
		"capacity": q.opts.Capacity,
	})
}

// tick drains one batch. Overlapping ticks are no-ops: at most one
// batch is in flight at a time.
func (q *Queue) tick() {
	if !q.inFlight.CompareAndSwap(false, true) {
		return
	}

	batch := q.takeBatch()
	if len(batch) == 0 {
		q.inFlight.Store(false)
		return
	}

	q.batches.Add(1)
	go func() {
		defer q.batches.Done()
		defer q.inFlight.Store(false)
		q.processBatch(context.Background(), batch)
	}()
}

func (q *Queue) takeBatch() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.opts.BatchSize
	if n > len(q.items) {
		n = len(q.items)
	}
	if n == 0 {
		return nil
	}
	batch := make([]*Item, n)
	copy(batch, q.items[:n])
	q.items = append(q.items[:0], q.items[n:]...)
	return batch
}

// processBatch runs every item concurrently. Items fail and succeed
// independently of one another.
func (q *Queue) processBatch(ctx context.Context, batch []*Item) {
	var wg sync.WaitGroup
	for _, item := range batch {
		wg.Add(1)
		go func(it *Item) {
			defer wg.Done()
			q.processItem(ctx, it)
		}(item)
	}
	wg.Wait()
}

func (q *Queue) processItem(ctx context.Context, item *Item) {
	if err := q.attachEmbedding(ctx, item); err != nil {
		q.handleFailure(item, err)
		return
	}

	q.emitter.Emit(events.Stamp(events.Event{
		Type:     events.EmbeddingCompleted,
		RunID:    item.RunID,
		MemoryID: item.MemoryID,
	}))
}

func (q *Queue) attachEmbedding(ctx context.Context, item *Item) error {
	m, err := q.store.GetMemory(ctx, item.MemoryID)
	if err != nil {
		return err
	}

	vector, err := q.embedder.Embed(ctx, m.Content.Text)
	if err != nil {
		return err
	}

	return q.store.SetEmbedding(ctx, item.MemoryID, vector)
}

func (q *Queue) handleFailure(item *Item, cause error) {
	item.Retries++
	if item.Retries > q.opts.MaxRetries {
		logger.WarnCF("EMBEDQUEUE", "embedding permanently failed", map[string]interface{}{
			"memory_id": item.MemoryID,
			"retries":   item.Retries - 1,
			"error":     cause.Error(),
		})
		q.emitter.Emit(events.Stamp(events.Event{
			Type:     events.EmbeddingFailed,
			RunID:    item.RunID,
			MemoryID: item.MemoryID,
			Detail:   cause.Error(),
		}))
		return
	}

	logger.DebugCF("EMBEDQUEUE", "embedding failed, re-queueing", map[string]interface{}{
		"memory_id": item.MemoryID,
		"retries":   item.Retries,
		"error":     cause.Error(),
	})

	q.mu.Lock()
	defer q.mu.Unlock()
	q.insertLocked(item)
}

// Stats reports the current queue size and per-tier breakdown.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{Total: len(q.items)}
	for _, it := range q.items {
		switch it.Tier {
		case TierHigh:
			s.High++
		case TierNormal:
			s.Normal++
		default:
			s.Low++
		}
	}
	return s
}

// Clear drops every pending item without processing.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = q.items[:0]
}

// Shutdown stops the ticker, waits for any in-flight batch, then
// best-effort processes the remaining high-tier items synchronously.
// Normal and low items still pending are dropped.
func (q *Queue) Shutdown(ctx context.Context) {
	q.stopOnce.Do(func() {
		close(q.done)
	})
	if q.started {
		<-q.loopDone
	}
	q.batches.Wait()

	q.mu.Lock()
	var high []*Item
	for _, it := range q.items {
		if it.Tier == TierHigh {
			high = append(high, it)
		}
	}
	dropped := len(q.items) - len(high)
	q.items = q.items[:0]
	q.mu.Unlock()

	if dropped > 0 {
		logger.InfoCF("EMBEDQUEUE", "dropped pending items on shutdown", map[string]interface{}{
			"dropped": dropped,
		})
	}

	for _, it := range high {
		if err := q.attachEmbedding(ctx, it); err != nil {
			logger.WarnCF("EMBEDQUEUE", "drain failed for high-tier item", map[string]interface{}{
				"memory_id": it.MemoryID,
				"error":     err.Error(),
			})
			continue
		}
		q.emitter.Emit(events.Stamp(events.Event{
			Type:     events.EmbeddingCompleted,
			RunID:    it.RunID,
			MemoryID: it.MemoryID,
		}))
	}
}
