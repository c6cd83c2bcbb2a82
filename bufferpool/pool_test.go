package bufferpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Egbertjing/buffer-manager/internal/pageid"
	"github.com/Egbertjing/buffer-manager/internal/store"
)

const testPageSize = 16

func newTestPool(t *testing.T, pageCount int) *Pool {
	st, err := store.New(t.TempDir(), nil)
	require.NoError(t, err)
	p, err := NewPool(st, testPageSize, pageCount)
	require.NoError(t, err)
	return p
}

func fixUnfix(t *testing.T, p *Pool, pid uint64, exclusive, dirty bool) {
	t.Helper()
	f, err := p.Fix(context.Background(), pid, exclusive)
	require.NoError(t, err)
	require.Equal(t, pid, f.PageID())
	require.NoError(t, p.Unfix(f, dirty))
}

func TestNewPoolRejectsInvalidArguments(t *testing.T) {
	st, err := store.New(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = NewPool(st, 0, 10)
	require.Error(t, err)
	_, err = NewPool(st, 10, 0)
	require.Error(t, err)
	_, err = NewPool(nil, 10, 10)
	require.Error(t, err)
}

// S1: a freshly Fixed page is written, unfixed dirty, and a subsequent
// shared re-fix observes the write without any intervening flush.
func TestFreshWriteCycleIsVisibleWithoutFlush(t *testing.T) {
	p := newTestPool(t, 4)
	ctx := context.Background()

	f, err := p.Fix(ctx, 1, true)
	require.NoError(t, err)
	data, err := f.Data()
	require.NoError(t, err)
	copy(data, "0123456789ABCDEF")
	require.NoError(t, p.Unfix(f, true))

	f2, err := p.Fix(ctx, 1, false)
	require.NoError(t, err)
	data2, err := f2.Data()
	require.NoError(t, err)
	require.Equal(t, []byte("0123456789ABCDEF"), data2)
	require.NoError(t, p.Unfix(f2, false))
}

// S2: with capacity N, fixing N+1 distinct fresh pages (each immediately
// unfixed) evicts the oldest FIFO entry first.
func TestEvictionIsFifoFirstAmongNeverPromoted(t *testing.T) {
	p := newTestPool(t, 3)
	ctx := context.Background()

	for pid := uint64(1); pid <= 3; pid++ {
		fixUnfix(t, p, pid, false, false)
	}
	require.Equal(t, []uint64{1, 2, 3}, p.FifoSnapshot())

	f, err := p.Fix(ctx, 4, false)
	require.NoError(t, err)
	require.NoError(t, p.Unfix(f, false))

	require.Equal(t, []uint64{2, 3, 4}, p.FifoSnapshot())
	require.Empty(t, p.LruSnapshot())
	require.Equal(t, uint64(4), f.PageID())
}

// S3: re-fixing a resident page promotes it out of FIFO into LRU; a
// subsequent eviction skips the promoted page and takes the new FIFO head.
func TestRefixPromotesToLruAndEvictionPrefersFifo(t *testing.T) {
	p := newTestPool(t, 3)

	for pid := uint64(1); pid <= 3; pid++ {
		fixUnfix(t, p, pid, false, false)
	}
	// Re-fix page 1: promotes it FIFO -> LRU.
	fixUnfix(t, p, 1, false, false)
	require.Equal(t, []uint64{2, 3}, p.FifoSnapshot())
	require.Equal(t, []uint64{1}, p.LruSnapshot())

	// Fixing a new page evicts page 2 (FIFO head), not page 1 (in LRU).
	fixUnfix(t, p, 4, false, false)
	require.Equal(t, []uint64{3, 4}, p.FifoSnapshot())
	require.Equal(t, []uint64{1}, p.LruSnapshot())
}

// S4: when every resident frame is pinned, Fix on a new page fails with
// ErrBufferFull; once a frame is unfixed, a subsequent Fix succeeds.
func TestBufferFullAndRecovery(t *testing.T) {
	p := newTestPool(t, 2)
	ctx := context.Background()

	f1, err := p.Fix(ctx, 1, false)
	require.NoError(t, err)
	f2, err := p.Fix(ctx, 2, false)
	require.NoError(t, err)

	_, err = p.Fix(ctx, 3, false)
	require.True(t, errors.Is(err, ErrBufferFull))

	require.NoError(t, p.Unfix(f1, false))

	f3, err := p.Fix(ctx, 3, false)
	require.NoError(t, err)
	require.Equal(t, uint64(3), f3.PageID())

	require.NoError(t, p.Unfix(f2, false))
	require.NoError(t, p.Unfix(f3, false))
}

// S5: two callers may hold a shared latch on the same page concurrently;
// neither blocks the other.
func TestConcurrentSharedFixesCoexist(t *testing.T) {
	p := newTestPool(t, 2)
	ctx := context.Background()

	f1, err := p.Fix(ctx, 1, false)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		f2, err := p.Fix(ctx, 1, false)
		require.NoError(t, err)
		require.NoError(t, p.Unfix(f2, false))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second shared Fix on the same page blocked unexpectedly")
	}
	require.NoError(t, p.Unfix(f1, false))
}

// S6: dirty pages are flushed by Close, and a fresh Pool over the same
// store observes the write.
func TestCloseFlushesDirtyPagesForSubsequentPool(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	st, err := store.New(dir, nil)
	require.NoError(t, err)
	p, err := NewPool(st, testPageSize, 4)
	require.NoError(t, err)

	f, err := p.Fix(ctx, 1, true)
	require.NoError(t, err)
	data, err := f.Data()
	require.NoError(t, err)
	copy(data, "persisted-bytes!")
	require.NoError(t, p.Unfix(f, true))

	require.NoError(t, p.Close(ctx))

	st2, err := store.New(dir, nil)
	require.NoError(t, err)
	p2, err := NewPool(st2, testPageSize, 4)
	require.NoError(t, err)

	f2, err := p2.Fix(ctx, 1, false)
	require.NoError(t, err)
	data2, err := f2.Data()
	require.NoError(t, err)
	require.Equal(t, []byte("persisted-bytes!"), data2)
	require.NoError(t, p2.Unfix(f2, false))
	require.NoError(t, p2.Close(ctx))
}

// A *Frame handle that no longer matches the Pool's current resident
// Frame for its own page id — e.g. because it was evicted out from under
// a caller who held onto it — is rejected rather than silently resolved
// against whatever Frame now occupies that page id.
func TestUnfixOnStaleFrameFails(t *testing.T) {
	p := newTestPool(t, 2)
	stale := newFrame(999, testPageSize, p.store, nil)
	err := p.Unfix(stale, false)
	require.ErrorIs(t, err, ErrFrameNotResident)
}

func TestUnfixMoreTimesThanFixPanics(t *testing.T) {
	p := newTestPool(t, 2)
	ctx := context.Background()

	f, err := p.Fix(ctx, 1, false)
	require.NoError(t, err)
	require.NoError(t, p.Unfix(f, false))

	require.Panics(t, func() { _ = p.Unfix(f, false) })
}

func TestDirtyUnfixWithoutExclusiveLatchPanics(t *testing.T) {
	p := newTestPool(t, 2)
	ctx := context.Background()

	f, err := p.Fix(ctx, 1, false)
	require.NoError(t, err)
	require.Panics(t, func() { _ = p.Unfix(f, true) })
}

// A pinned frame is never selected as an eviction victim, even when it
// occupies the FIFO head.
func TestPinnedFrameIsNeverEvicted(t *testing.T) {
	p := newTestPool(t, 2)
	ctx := context.Background()

	f1, err := p.Fix(ctx, 1, false) // stays pinned: never Unfixed
	require.NoError(t, err)
	fixUnfix(t, p, 2, false, false)

	f3, err := p.Fix(ctx, 3, false)
	require.NoError(t, err)

	require.Equal(t, []uint64{1, 3}, p.FifoSnapshot())
	require.NoError(t, p.Unfix(f3, false))
	require.NoError(t, p.Unfix(f1, false))
}

// Exercises the page id <-> segment id / offset split end to end through
// a real Pool and Store.
func TestPageIDSegmentSplitRoutesToDistinctSegmentFiles(t *testing.T) {
	dir := t.TempDir()
	st, err := store.New(dir, nil)
	require.NoError(t, err)
	p, err := NewPool(st, testPageSize, 4)
	require.NoError(t, err)
	ctx := context.Background()

	pidSeg0 := pageid.Make(0, 5)
	pidSeg1 := pageid.Make(1, 5)

	f0, err := p.Fix(ctx, pidSeg0, true)
	require.NoError(t, err)
	d0, err := f0.Data()
	require.NoError(t, err)
	copy(d0, "segment-zero!!!!")
	require.NoError(t, p.Unfix(f0, true))

	f1, err := p.Fix(ctx, pidSeg1, true)
	require.NoError(t, err)
	d1, err := f1.Data()
	require.NoError(t, err)
	copy(d1, "segment-one!!!!!")
	require.NoError(t, p.Unfix(f1, true))

	require.NoError(t, p.Close(ctx))

	size0, err := st.Size(0)
	require.NoError(t, err)
	size1, err := st.Size(1)
	require.NoError(t, err)
	require.Greater(t, size0, int64(0))
	require.Greater(t, size1, int64(0))
}

// A page evicted by one Fix and refixed by a concurrent Fix for the same
// page id must observe the bytes written before eviction, never a stale
// pre-flush read. This drives the first half of an eviction by hand to
// pin down the exact window the evicting tombstone closes: the victim
// has left the table but its flush hasn't landed yet.
func TestRefixDuringEvictionFlushObservesWrittenBytes(t *testing.T) {
	p := newTestPool(t, 1)
	ctx := context.Background()

	f, err := p.Fix(ctx, 1, true)
	require.NoError(t, err)
	data, err := f.Data()
	require.NoError(t, err)
	copy(data, "before-evict!!!!")
	require.NoError(t, p.Unfix(f, true))

	p.mu.Lock()
	victim := p.table[1]
	delete(p.table, 1)
	p.removeFromQueueLocked(victim)
	done := make(chan struct{})
	p.evicting[1] = done
	p.mu.Unlock()
	require.True(t, victim.TryLockExclusive())

	fixDone := make(chan *Frame, 1)
	go func() {
		refixed, err := p.Fix(ctx, 1, false)
		require.NoError(t, err)
		fixDone <- refixed
	}()

	select {
	case <-fixDone:
		t.Fatal("Fix(1) returned before the in-flight eviction's tombstone was cleared")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, victim.Flush())
	victim.Unlock()
	p.mu.Lock()
	delete(p.evicting, 1)
	close(done)
	p.mu.Unlock()

	var refixed *Frame
	select {
	case refixed = <-fixDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Fix(1) did not unblock after the tombstone cleared")
	}

	data2, err := refixed.Data()
	require.NoError(t, err)
	require.Equal(t, []byte("before-evict!!!!"), data2)
	require.NoError(t, p.Unfix(refixed, false))
}

func TestConcurrentFixUnfixOnDistinctPagesMakesIndependentProgress(t *testing.T) {
	p := newTestPool(t, 8)
	ctx := context.Background()

	var wg sync.WaitGroup
	for pid := uint64(1); pid <= 8; pid++ {
		wg.Add(1)
		go func(pid uint64) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				f, err := p.Fix(ctx, pid, true)
				require.NoError(t, err)
				data, err := f.Data()
				require.NoError(t, err)
				data[0]++
				require.NoError(t, p.Unfix(f, true))
			}
		}(pid)
	}
	wg.Wait()
}
