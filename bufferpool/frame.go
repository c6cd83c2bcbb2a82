package bufferpool

import (
	"fmt"
	"sync"

	"github.com/Egbertjing/buffer-manager/internal/pageid"
	"github.com/Egbertjing/buffer-manager/internal/store"
	"go.uber.org/zap"
)

// state is a Frame's materialisation/dirtiness state.
type state int32

const (
	stateEmpty state = iota
	stateClean
	stateDirty
)

func (s state) String() string {
	switch s {
	case stateEmpty:
		return "empty"
	case stateClean:
		return "clean"
	case stateDirty:
		return "dirty"
	default:
		return "unknown"
	}
}

// Frame is an owned slot holding the in-memory image of exactly one page.
// Its identity (pageID, segmentID, offset) is immutable for the Frame's
// lifetime; only its state and buffer change, under mu, and only while
// the caller of Data/MarkDirty holds the frame's latch in the appropriate
// mode.
type Frame struct {
	pageID   uint64
	segmentID uint16
	offset   uint64
	pageSize int

	store  *store.Store
	logger *zap.Logger

	latch latch

	mu     sync.Mutex
	state  state
	buffer []byte

	// onMaterializeFailure is injected by Pool at Frame creation so that a
	// failed lazy read in Data() can unwind the Pool's table/queue entry
	// without Frame importing Pool. Fired at most once; cleared after use.
	onMaterializeFailure func()

	// pinCount is Pool-private: the number of callers currently between
	// Fix and Unfix on this Frame. It belongs to Pool's critical section
	// (guarded by Pool's mutex, never by latch or mu) and exists purely to
	// close the hit-path race window described in pool.go.
	pinCount int
}

func newFrame(pid uint64, pageSize int, st *store.Store, logger *zap.Logger) *Frame {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Frame{
		pageID:    pid,
		segmentID: pageid.SegmentID(pid),
		offset:    pageid.Offset(pid, pageSize),
		pageSize:  pageSize,
		store:     st,
		logger:    logger,
		state:     stateEmpty,
	}
}

// PageID returns the Frame's page identity.
func (f *Frame) PageID() uint64 { return f.pageID }

// SegmentID returns the segment id derived from PageID at construction.
func (f *Frame) SegmentID() uint16 { return f.segmentID }

// IsDirty reports whether the Frame currently holds unflushed writes.
func (f *Frame) IsDirty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == stateDirty
}

// Data returns a mutable page_size-byte region backing this Frame.
// Precondition: the caller holds the Frame's latch (shared suffices for
// read-only use, exclusive is required for mutation). If the Frame is
// Empty this call materialises it first, reading page_size bytes from the
// backing segment store at Offset; a short or zero read past end-of-file
// is not an error. The returned slice is only valid while the caller
// continues to hold the latch it acquired via Fix.
func (f *Frame) Data() ([]byte, error) {
	f.mu.Lock()
	if f.state != stateEmpty {
		data := f.buffer
		f.mu.Unlock()
		return data, nil
	}

	buf := make([]byte, f.pageSize)
	if err := f.store.ReadBlock(f.segmentID, f.offset, buf); err != nil {
		cb := f.onMaterializeFailure
		f.onMaterializeFailure = nil
		f.mu.Unlock()
		if cb != nil {
			cb()
		}
		return nil, fmt.Errorf("%w: materialising page %d: %v", ErrIoFailure, f.pageID, err)
	}

	f.buffer = buf
	f.state = stateClean
	f.onMaterializeFailure = nil
	f.mu.Unlock()

	f.logger.Debug("page materialised", zap.Uint64("page_id", f.pageID), zap.Uint16("segment_id", f.segmentID))
	return buf, nil
}

// MarkDirty transitions the Frame to Dirty. Precondition: the caller
// holds the Frame's latch exclusively.
func (f *Frame) MarkDirty() {
	if !f.latch.exclusive.Load() {
		panic(fmt.Sprintf("bufferpool: MarkDirty on page %d without holding its exclusive latch", f.pageID))
	}
	f.mu.Lock()
	f.state = stateDirty
	f.mu.Unlock()
}

// Flush writes the buffer back to the backing store if the Frame is
// Dirty, then transitions to Clean. It is idempotent: a Flush on a Clean
// or Empty Frame is a no-op. Callers must ensure the Frame is quiescent
// (no concurrent latch holder) — Pool satisfies this by flushing only
// under a victim's just-acquired exclusive latch or during FlushAll's
// non-blocking-latch probe.
func (f *Frame) Flush() error {
	f.mu.Lock()
	if f.state != stateDirty {
		f.mu.Unlock()
		return nil
	}
	buf := f.buffer
	pid, segID, off := f.pageID, f.segmentID, f.offset
	f.mu.Unlock()

	if err := f.store.WriteBlock(segID, off, buf); err != nil {
		return fmt.Errorf("%w: writing back page %d: %v", ErrIoFailure, pid, err)
	}

	f.mu.Lock()
	f.state = stateClean
	f.mu.Unlock()

	f.logger.Debug("page flushed", zap.Uint64("page_id", pid), zap.Uint16("segment_id", segID))
	return nil
}

// --- Latch surface ---

func (f *Frame) TryLockShared() bool    { return f.latch.tryLockShared() }
func (f *Frame) TryLockExclusive() bool { return f.latch.tryLockExclusive() }
func (f *Frame) LockShared()            { f.latch.lockShared() }
func (f *Frame) LockExclusive()         { f.latch.lockExclusive() }
func (f *Frame) Unlock()                { f.latch.unlock() }
