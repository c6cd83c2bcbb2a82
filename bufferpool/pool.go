// Package bufferpool implements the buffer manager's concurrent
// fix/unfix protocol: a bounded table of Frames, a FIFO-then-LRU
// replacement policy, and per-Frame latching mediated by a single
// pool-wide mutex that is never held across disk I/O or a blocking latch
// wait.
package bufferpool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Egbertjing/buffer-manager/internal/store"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Pool owns a bounded set of Frames, mapping page ids to Frames, enforcing
// the page-count ceiling via eviction, and maintaining the FIFO/LRU
// replacement queues.
//
// Concurrency design: releasing mu before a blocking latch acquisition
// would otherwise let eviction destroy the very Frame a concurrent Fix is
// about to latch. Pool closes that window with a Frame-local pinCount,
// mutated only under mu:
// Fix increments it (for a hit, before mu is released) and Unfix
// decrements it (after the latch has been released); eviction's victim
// scan treats pinCount != 0 as unselectable in addition to requiring a
// successful non-blocking exclusive try-latch. A pinned-but-unlatched
// window can exist only between pin and the still-to-come latch
// acquisition — exactly the window the pin exists to protect.
//
// A second window opens once mu is released to let a victim's dirty
// flush happen outside it: between the victim leaving the table and its
// flush landing, a Fix for that same page id must not take the miss
// path, or it would read pre-flush bytes straight off disk. Pool closes
// this one with the evicting tombstone map: the victim's old page id is
// registered there before mu is released for the flush, and any Fix
// naming that id blocks on its channel and retries once the entry is
// removed, rather than racing the flush.
type Pool struct {
	pageSize  int
	pageCount int
	store     *store.Store
	logger    *zap.Logger
	tracer    trace.Tracer
	meter     metric.Meter
	metrics   *poolMetrics

	mu      sync.Mutex
	table   map[uint64]*Frame
	fifo    *list.List
	fifoIdx map[uint64]*list.Element
	lru     *list.List
	lruIdx  map[uint64]*list.Element

	// evicting tombstones a page id for the duration of its victim's
	// flush-and-erase: the id is absent from table (so a concurrent Fix
	// for the page being *spawned* can't collide with it) but any Fix
	// naming the evicted id itself blocks on the channel here and retries
	// from scratch once it closes, rather than taking the miss path and
	// reading pre-flush bytes off disk while the flush is still in
	// flight.
	evicting map[uint64]chan struct{}
}

// Option configures optional Pool dependencies.
type Option func(*Pool)

// WithLogger attaches a zap.Logger. Defaults to zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithTracer attaches an OpenTelemetry tracer. Defaults to a no-op tracer.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pool) {
		if t != nil {
			p.tracer = t
		}
	}
}

// WithMeter attaches an OpenTelemetry meter used to register the Pool's
// counters and histogram. Defaults to a no-op meter.
func WithMeter(m metric.Meter) Option {
	return func(p *Pool) {
		if m != nil {
			p.meter = m
		}
	}
}

// NewPool constructs a Pool with the given page size and frame-count
// ceiling, backed by st. The table, FIFO queue, and LRU queue all start
// empty.
func NewPool(st *store.Store, pageSize, pageCount int, opts ...Option) (*Pool, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("bufferpool: page size must be positive, got %d", pageSize)
	}
	if pageCount <= 0 {
		return nil, fmt.Errorf("bufferpool: page count must be positive, got %d", pageCount)
	}
	if st == nil {
		return nil, fmt.Errorf("bufferpool: store must not be nil")
	}

	p := &Pool{
		pageSize:  pageSize,
		pageCount: pageCount,
		store:     st,
		logger:    zap.NewNop(),
		tracer:    nooptrace.NewTracerProvider().Tracer(""),
		table:     make(map[uint64]*Frame),
		fifo:      list.New(),
		fifoIdx:   make(map[uint64]*list.Element),
		lru:       list.New(),
		lruIdx:    make(map[uint64]*list.Element),
		evicting:  make(map[uint64]chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	metrics, err := newPoolMetrics(p.meter)
	if err != nil {
		return nil, fmt.Errorf("bufferpool: registering metrics: %w", err)
	}
	p.metrics = metrics

	return p, nil
}

// Fix returns a latched Frame for pageID: shared if exclusive is false,
// exclusive if true. It fails with ErrBufferFull when the page is not
// resident, the pool is at capacity, and no resident Frame is selectable
// for eviction. It fails with an error wrapping ErrIoFailure when the
// eviction it performs has to write back a Dirty victim and that write
// fails. Fix never reads a page: materialisation is lazy, so a read
// failure surfaces from a subsequent Frame.Data() call instead.
func (p *Pool) Fix(ctx context.Context, pageID uint64, exclusive bool) (*Frame, error) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pool.fix", trace.WithAttributes(
		attribute.Int64("page_id", int64(pageID)),
		attribute.Bool("exclusive", exclusive),
	))
	defer span.End()

	frame, hit, err := p.fix(ctx, pageID, exclusive)

	p.metrics.fixLatency.Record(ctx, time.Since(start).Microseconds())
	if err != nil {
		if errors.Is(err, ErrBufferFull) {
			p.metrics.bufferFullTotal.Add(ctx, 1)
			span.SetStatus(otelcodes.Error, "buffer full")
		} else {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
		}
		return nil, err
	}

	span.SetAttributes(attribute.Bool("hit", hit))
	if hit {
		p.metrics.fixHitTotal.Add(ctx, 1)
	} else {
		p.metrics.fixMissTotal.Add(ctx, 1)
	}
	return frame, nil
}

func (p *Pool) fix(ctx context.Context, pageID uint64, exclusive bool) (*Frame, bool, error) {
	for {
		p.mu.Lock()

		// pageID's previous resident is mid-eviction: its flush hasn't
		// landed yet, so neither a hit (it's already out of the table)
		// nor a fresh disk read (it would race the flush) is safe. Wait
		// for the eviction to finish, then re-evaluate from scratch.
		if wait, ok := p.evicting[pageID]; ok {
			p.mu.Unlock()
			<-wait
			continue
		}

		// Hit path.
		if f, ok := p.table[pageID]; ok {
			p.promoteLocked(f)
			f.pinCount++
			acquired := tryLatch(f, exclusive)
			p.mu.Unlock()

			if !acquired {
				lockLatch(f, exclusive)
			}
			return f, true, nil
		}

		// Miss path, capacity available: no eviction needed.
		if len(p.table) < p.pageCount {
			f := p.spawnLocked(ctx, pageID)
			tryLatch(f, exclusive) // brand new frame, no contender: always succeeds
			p.mu.Unlock()
			return f, false, nil
		}

		// Miss path, at capacity: evict a victim. Victim search is
		// strictly FIFO-then-LRU, oldest-first within a queue.
		victim, ok := p.selectVictimLocked()
		if !ok {
			p.mu.Unlock()
			p.logger.Warn("buffer full", zap.Uint64("page_id", pageID))
			return nil, false, ErrBufferFull
		}
		delete(p.table, victim.PageID())
		p.removeFromQueueLocked(victim)
		done := make(chan struct{})
		p.evicting[victim.PageID()] = done
		p.metrics.evictionTotal.Add(ctx, 1)
		p.metrics.residentFrames.Add(ctx, -1)
		p.mu.Unlock() // no I/O and no blocking wait may happen under mu

		flushErr := error(nil)
		if victim.IsDirty() {
			flushErr = victim.Flush()
		}
		victim.Unlock()

		p.mu.Lock()
		delete(p.evicting, victim.PageID())
		close(done)
		p.mu.Unlock()
		if flushErr != nil {
			return nil, false, flushErr
		}
		p.logger.Debug("page evicted", zap.Uint64("page_id", victim.PageID()))

		// mu was released for the flush, so a concurrent Fix may have taken
		// the freed slot or spawned pageID meanwhile: re-evaluate from the
		// top rather than spawning unconditionally.
	}
}

// Unfix releases the latch the caller holds on frame, the exact Frame
// Fix returned — not a page id, so a caller can never accidentally affect
// whatever Frame now occupies frame's old page id after an eviction it
// didn't observe. If isDirty is true the Frame is marked Dirty first,
// which panics if the caller's held latch is not exclusive.
func (p *Pool) Unfix(frame *Frame, isDirty bool) error {
	if frame == nil {
		panic("bufferpool: Unfix called with a nil frame")
	}

	p.mu.Lock()
	if p.table[frame.PageID()] != frame {
		p.mu.Unlock()
		return fmt.Errorf("%w: page %d", ErrFrameNotResident, frame.PageID())
	}
	if frame.pinCount <= 0 {
		p.mu.Unlock()
		panic(fmt.Sprintf("bufferpool: Unfix called more times than Fix for page %d", frame.PageID()))
	}
	p.mu.Unlock()

	if isDirty {
		frame.MarkDirty()
	}
	frame.Unlock()

	p.mu.Lock()
	frame.pinCount--
	if frame.pinCount < 0 {
		p.mu.Unlock()
		panic(fmt.Sprintf("bufferpool: Unfix called more times than Fix for page %d", frame.PageID()))
	}
	p.mu.Unlock()
	return nil
}

// FifoSnapshot returns the current FIFO queue's page ids, oldest first.
// Not safe to call concurrently with Fix/Unfix; intended for inspection
// and tests.
func (p *Pool) FifoSnapshot() []uint64 { return snapshotQueue(p.fifo) }

// LruSnapshot returns the current LRU queue's page ids, least-recently-used
// first. Not safe to call concurrently with Fix/Unfix.
func (p *Pool) LruSnapshot() []uint64 { return snapshotQueue(p.lru) }

// FlushAll writes back every currently Dirty resident Frame. It takes a
// snapshot of the table under mu, then flushes each Frame outside mu,
// retrying Frames it cannot latch non-blockingly until it can.
func (p *Pool) FlushAll(ctx context.Context) error {
	p.mu.Lock()
	frames := make([]*Frame, 0, len(p.table))
	for _, f := range p.table {
		frames = append(frames, f)
	}
	p.mu.Unlock()

	for _, f := range frames {
		for !f.TryLockExclusive() {
			time.Sleep(time.Millisecond)
		}
		err := f.Flush()
		f.Unlock()
		if err != nil {
			return err
		}
	}
	p.logger.Debug("flushed all resident frames", zap.Int("count", len(frames)))
	return nil
}

// Close flushes every Dirty Frame and closes the backing store. It is the
// Pool's destructor-time flush.
func (p *Pool) Close(ctx context.Context) error {
	if err := p.FlushAll(ctx); err != nil {
		return fmt.Errorf("bufferpool: flushing on close: %w", err)
	}
	return p.store.Close()
}

// --- internal helpers, all requiring mu to be held unless noted ---

// spawnLocked creates a fresh Empty Frame for pageID, inserts it into the
// table and the FIFO queue's tail, and pins it once on the caller's
// behalf (the caller is about to latch it). Must be called with mu held.
func (p *Pool) spawnLocked(ctx context.Context, pageID uint64) *Frame {
	f := newFrame(pageID, p.pageSize, p.store, p.logger)
	f.pinCount = 1
	f.onMaterializeFailure = func() {
		p.mu.Lock()
		if p.table[pageID] == f {
			delete(p.table, pageID)
			p.removeFromQueueLocked(f)
			p.metrics.residentFrames.Add(ctx, -1)
		}
		p.mu.Unlock()
	}

	p.table[pageID] = f
	el := p.fifo.PushBack(f)
	p.fifoIdx[pageID] = el
	p.metrics.residentFrames.Add(ctx, 1)
	return f
}

// promoteLocked moves f out of whichever queue it occupies and appends it
// to the LRU queue's tail: FIFO→LRU on first reuse, LRU tail→LRU tail on
// every subsequent reuse. Must be called with mu held.
func (p *Pool) promoteLocked(f *Frame) {
	p.removeFromQueueLocked(f)
	el := p.lru.PushBack(f)
	p.lruIdx[f.PageID()] = el
}

// removeFromQueueLocked removes f from whichever of fifo/lru currently
// holds it, if either does. Must be called with mu held.
func (p *Pool) removeFromQueueLocked(f *Frame) {
	if el, ok := p.fifoIdx[f.PageID()]; ok {
		p.fifo.Remove(el)
		delete(p.fifoIdx, f.PageID())
		return
	}
	if el, ok := p.lruIdx[f.PageID()]; ok {
		p.lru.Remove(el)
		delete(p.lruIdx, f.PageID())
	}
}

// selectVictimLocked scans FIFO head-to-tail, then LRU head-to-tail,
// returning the first Frame that is both unpinned and non-blockingly
// exclusive-latchable. The returned Frame is latched exclusively on
// return. Must be called with mu held.
func (p *Pool) selectVictimLocked() (*Frame, bool) {
	if f := scanForVictim(p.fifo); f != nil {
		return f, true
	}
	if f := scanForVictim(p.lru); f != nil {
		return f, true
	}
	return nil, false
}

func scanForVictim(q *list.List) *Frame {
	for el := q.Front(); el != nil; el = el.Next() {
		f := el.Value.(*Frame)
		if f.pinCount != 0 {
			continue
		}
		if f.TryLockExclusive() {
			return f
		}
	}
	return nil
}

func snapshotQueue(q *list.List) []uint64 {
	out := make([]uint64, 0, q.Len())
	for el := q.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Frame).PageID())
	}
	return out
}

func tryLatch(f *Frame, exclusive bool) bool {
	if exclusive {
		return f.TryLockExclusive()
	}
	return f.TryLockShared()
}

func lockLatch(f *Frame, exclusive bool) {
	if exclusive {
		f.LockExclusive()
	} else {
		f.LockShared()
	}
}
