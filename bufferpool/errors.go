package bufferpool

import "errors"

// ErrBufferFull is returned by Fix when the requested page is not
// resident, the pool is at capacity, and no resident Frame can be made
// available because every candidate is pinned or latched. The caller may
// back off and retry; Pool state is unchanged.
var ErrBufferFull = errors.New("bufferpool: no frame available, all resident frames are fixed")

// ErrIoFailure wraps an I/O error surfaced from materialisation or
// write-back. Use errors.Is(err, ErrIoFailure) to detect it; the wrapped
// error carries the underlying cause.
var ErrIoFailure = errors.New("bufferpool: backing store i/o failure")

// ErrFrameNotResident is returned by Unfix when the *Frame handle passed
// in is no longer the Pool's resident Frame for its own page id — the
// handle is stale, most likely because it was evicted and the caller
// held onto it across that eviction instead of unfixing it promptly.
var ErrFrameNotResident = errors.New("bufferpool: page is not resident")
