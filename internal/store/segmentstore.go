// Package store implements the paged-file backing store the buffer
// manager materialises and writes pages through: one dense, header-less
// file per segment, named by the decimal string of the segment id.
package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// Store owns one *os.File per segment, opened lazily and kept open for
// the lifetime of the Store. Concurrent ReadBlock/WriteBlock calls on
// disjoint segments proceed independently; calls racing to open the same
// segment for the first time are serialised by mu so file creation is
// idempotent from the caller's point of view.
type Store struct {
	dir    string
	logger *zap.Logger

	mu    sync.Mutex
	files map[uint16]*os.File
}

// New returns a Store rooted at dir. dir is created if absent.
func New(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: creating data dir %s: %w", dir, err)
	}
	return &Store{
		dir:    dir,
		logger: logger,
		files:  make(map[uint16]*os.File),
	}, nil
}

func (s *Store) path(segmentID uint16) string {
	return filepath.Join(s.dir, strconv.FormatUint(uint64(segmentID), 10))
}

// open returns the open file handle for segmentID, creating the segment
// file (zero-length) on first access. Must be called with mu held.
func (s *Store) open(segmentID uint16) (*os.File, error) {
	if f, ok := s.files[segmentID]; ok {
		return f, nil
	}
	f, err := os.OpenFile(s.path(segmentID), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: opening segment %d: %w", segmentID, err)
	}
	s.files[segmentID] = f
	s.logger.Debug("segment opened", zap.Uint16("segment_id", segmentID), zap.String("path", f.Name()))
	return f, nil
}

// ReadBlock reads len(dst) bytes at offset from segmentID into dst. A
// short or zero read past end-of-file is not an error: dst retains
// whatever the underlying ReadAt returned, per the store's contract of
// not zero-filling on the caller's behalf (the caller's buffer is
// expected to already be zeroed for a fresh page).
func (s *Store) ReadBlock(segmentID uint16, offset uint64, dst []byte) error {
	s.mu.Lock()
	f, err := s.open(segmentID)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	_, err = f.ReadAt(dst, int64(offset))
	if err != nil && err != io.EOF {
		return fmt.Errorf("store: reading segment %d at offset %d: %w", segmentID, offset, err)
	}
	return nil
}

// WriteBlock writes src to segmentID at offset, extending the file if
// necessary.
func (s *Store) WriteBlock(segmentID uint16, offset uint64, src []byte) error {
	s.mu.Lock()
	f, err := s.open(segmentID)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if _, err := f.WriteAt(src, int64(offset)); err != nil {
		return fmt.Errorf("store: writing segment %d at offset %d: %w", segmentID, offset, err)
	}
	return nil
}

// Size returns the current size in bytes of segmentID's file, or 0 if the
// segment has never been touched.
func (s *Store) Size(segmentID uint16) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path(segmentID))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: stat segment %d: %w", segmentID, err)
	}
	return info.Size(), nil
}

// Close syncs and closes every segment file opened by this Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for id, f := range s.files {
		if err := f.Sync(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("store: syncing segment %d: %w", id, err)
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("store: closing segment %d: %w", id, err)
		}
	}
	s.files = make(map[uint16]*os.File)
	return firstErr
}
