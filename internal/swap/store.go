package swap

import (
	"fmt"
	"sync"

	"github.com/edsrzf/mmap-go"
	"go.uber.org/zap"
)

type HeaderState int

const (
	Empty HeaderState = iota
	Holding
)

func (s HeaderState) String() string {
	if s == Holding {
		return "holding"
	}

	return "empty"
}

// HeaderIndex is the only page that can hold content.
const HeaderIndex = 0

type allocFunc func(size int) (mmap.MMap, error)

func allocAnonymous(size int) (mmap.MMap, error) {
	return mmap.MapRegion(nil, size, mmap.RDWR, mmap.ANON, 0)
}

// PageStore keeps the single swap header page.
// A written header is handed out to exactly one reader, every other read is zero filled.
type PageStore struct {
	mu       sync.Mutex
	header   mmap.MMap
	pageSize int

	alloc  allocFunc
	logger *zap.Logger
}

func NewPageStore(pageSize int, logger *zap.Logger) *PageStore {
	return &PageStore{
		pageSize: pageSize,
		alloc:    allocAnonymous,
		logger:   logger,
	}
}

func (s *PageStore) State() HeaderState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.header == nil {
		return Empty
	}

	return Holding
}

// Write stores one page as the swap header. Only page 0 accepts writes.
func (s *PageStore) Write(index uint64, src []byte) error {
	if index != HeaderIndex {
		return fmt.Errorf("%w: page %d", ErrProtocolViolation, index)
	}

	if len(src) != s.pageSize {
		return fmt.Errorf("%w: %d bytes written to the header", ErrSegmentMisaligned, len(src))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.header == nil {
		page, err := s.alloc(s.pageSize)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
		}

		s.header = page
	}

	copy(s.header, src)

	return nil
}

// Read fills dst with the swap header if it is held and releases it,
// otherwise dst is zeroed. It reports whether the header was delivered.
func (s *PageStore) Read(index uint64, dst []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index != HeaderIndex || s.header == nil {
		clear(dst)

		return false
	}

	n := copy(dst, s.header)
	clear(dst[n:])

	s.release()

	return true
}

// Close drops a header that was never read.
func (s *PageStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.release()
}

func (s *PageStore) release() {
	if s.header == nil {
		return
	}

	err := s.header.Unmap()
	if err != nil {
		s.logger.Error("failed to unmap swap header page", zap.Error(err))
	}

	s.header = nil
}
