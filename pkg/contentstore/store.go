// Package contentstore owns the payload bytes of buffered frames.
// A content view only holds handles into a Store.
package contentstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cyclopcam/producer/pkg/contentview"
	"github.com/cyclopcam/producer/pkg/idgen"
	"github.com/cyclopcam/producer/pkg/kibi"
)

var (
	ErrOutOfMemory   = errors.New("Content store is out of memory")
	ErrInvalidHandle = errors.New("Invalid content store handle")
	ErrOutOfRange    = errors.New("Read is outside of allocation")
	ErrInvalidSize   = errors.New("Invalid allocation size")
)

// Store is a byte-budgeted heap of allocations.
// It is safe to use from multiple goroutines.
type Store struct {
	handles idgen.Uint64

	lock     sync.Mutex
	maxBytes int64
	used     int64
	allocs   map[contentview.Handle][]byte
}

func New(maxBytes int64) *Store {
	return &Store{
		maxBytes: maxBytes,
		allocs:   map[contentview.Handle][]byte{},
	}
}

// Alloc copies data into a new allocation
func (s *Store) Alloc(data []byte) (contentview.Handle, error) {
	if len(data) == 0 {
		return contentview.InvalidHandle, ErrInvalidSize
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	size := int64(len(data))
	if s.used+size > s.maxBytes {
		return contentview.InvalidHandle, fmt.Errorf("%w: need %v, but only %v of %v available", ErrOutOfMemory, kibi.FormatBytes(size), kibi.FormatBytes(s.maxBytes-s.used), kibi.FormatBytes(s.maxBytes))
	}
	h := contentview.Handle(s.handles.Next())
	s.allocs[h] = append([]byte(nil), data...)
	s.used += size
	return h, nil
}

// Read returns length bytes at offset inside the allocation h.
// The returned slice is not a copy. It is valid until h is freed, and must not be modified.
func (s *Store) Read(h contentview.Handle, offset, length uint32) ([]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	buf, ok := s.allocs[h]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandle, h)
	}
	end := uint64(offset) + uint64(length)
	if end > uint64(len(buf)) {
		return nil, fmt.Errorf("%w: [%v, %v) of %v bytes", ErrOutOfRange, offset, end, len(buf))
	}
	return buf[offset:end], nil
}

// Size returns the size of the allocation h
func (s *Store) Size(h contentview.Handle) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	buf, ok := s.allocs[h]
	if !ok {
		return 0, fmt.Errorf("%w: %v", ErrInvalidHandle, h)
	}
	return len(buf), nil
}

func (s *Store) Free(h contentview.Handle) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	buf, ok := s.allocs[h]
	if !ok {
		return fmt.Errorf("%w: %v", ErrInvalidHandle, h)
	}
	delete(s.allocs, h)
	s.used -= int64(len(buf))
	return nil
}

// Number of bytes currently allocated
func (s *Store) Used() int64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.used
}

func (s *Store) Available() int64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.maxBytes - s.used
}

func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

// Number of live allocations
func (s *Store) Count() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.allocs)
}
