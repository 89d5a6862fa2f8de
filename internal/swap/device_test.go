package swap

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/e2b-dev/vbswap/internal/metrics"
)

const testPageSize = 4096

func newTestDevice(t *testing.T, logger *zap.Logger) *Device {
	t.Helper()

	if logger == nil {
		logger = zap.NewNop()
	}

	d, err := NewDevice(Config{Capacity: DefaultCapacity, PageSize: testPageSize}, logger, metrics.NewNoop())
	require.NoError(t, err)

	t.Cleanup(func() {
		d.Close()
	})

	return d
}

func pageRequest(dir Direction, sector uint64, page []byte) *Request {
	return &Request{
		Direction: dir,
		Sector:    sector,
		Length:    len(page),
		Segments:  []Segment{{Data: page, Length: len(page)}},
	}
}

func TestNewDevice(t *testing.T) {
	t.Parallel()

	t.Run("capacity is page aligned", func(t *testing.T) {
		t.Parallel()

		d, err := NewDevice(Config{Capacity: 3*testPageSize + 1, PageSize: testPageSize}, zap.NewNop(), metrics.NewNoop())
		require.NoError(t, err)

		assert.Equal(t, int64(4*testPageSize), d.Size())
		assert.Equal(t, uint64(4*testPageSize/SectorSize), d.Sectors())
	})

	t.Run("reference capacity", func(t *testing.T) {
		t.Parallel()

		d := newTestDevice(t, nil)

		assert.Equal(t, int64(6*1024*1024*1024), d.Size())
		assert.Equal(t, Empty, d.HeaderState())
	})

	t.Run("rejects page sizes below the logical block", func(t *testing.T) {
		t.Parallel()

		_, err := NewDevice(Config{Capacity: DefaultCapacity, PageSize: 2048}, zap.NewNop(), metrics.NewNoop())
		require.Error(t, err)
	})

	t.Run("rejects page sizes that are not a power of two", func(t *testing.T) {
		t.Parallel()

		_, err := NewDevice(Config{Capacity: DefaultCapacity, PageSize: 3 * 4096}, zap.NewNop(), metrics.NewNoop())
		require.Error(t, err)
	})

	t.Run("rejects empty capacity", func(t *testing.T) {
		t.Parallel()

		_, err := NewDevice(Config{PageSize: testPageSize}, zap.NewNop(), metrics.NewNoop())
		require.Error(t, err)
	})

	t.Run("limits are one page", func(t *testing.T) {
		t.Parallel()

		d := newTestDevice(t, nil)

		assert.Equal(t, Limits{
			LogicalBlockSize:  4096,
			PhysicalBlockSize: testPageSize,
			MinIOSize:         testPageSize,
			OptimalIOSize:     testPageSize,
			MaxTransferSize:   testPageSize,
			NonRotational:     true,
			AddRandom:         false,
		}, d.Limits())
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()

	d := newTestDevice(t, nil)
	page := make([]byte, testPageSize)

	tests := []struct {
		name    string
		request *Request
		err     error
	}{
		{
			name:    "first page",
			request: pageRequest(Read, 0, page),
		},
		{
			name:    "last page",
			request: pageRequest(Read, d.Sectors()-8, page),
		},
		{
			name:    "sector at capacity",
			request: pageRequest(Read, d.Sectors(), page),
			err:     ErrOutOfBounds,
		},
		{
			name:    "sector past capacity",
			request: pageRequest(Write, d.Sectors()+8, page),
			err:     ErrOutOfBounds,
		},
		{
			name:    "sector inside a logical block",
			request: pageRequest(Read, 3, page),
			err:     ErrMisaligned,
		},
		{
			name: "length not a multiple of the logical block",
			request: &Request{
				Sector:   0,
				Length:   512,
				Segments: []Segment{{Data: make([]byte, 512), Length: 512}},
			},
			err: ErrMisaligned,
		},
		{
			name:    "two pages",
			request: pageRequest(Write, 0, make([]byte, 2*testPageSize)),
			err:     ErrOversized,
		},
		{
			name: "two segments",
			request: &Request{
				Length: testPageSize,
				Segments: []Segment{
					{Data: page, Length: testPageSize},
					{Data: page, Length: testPageSize},
				},
			},
			err: ErrOversized,
		},
		{
			name:    "no segments",
			request: &Request{Length: testPageSize},
			err:     ErrSegmentMisaligned,
		},
		{
			name: "segment with offset",
			request: &Request{
				Length:   testPageSize,
				Segments: []Segment{{Data: make([]byte, 2*testPageSize), Offset: 512, Length: testPageSize}},
			},
			err: ErrSegmentMisaligned,
		},
		{
			name: "short segment",
			request: &Request{
				Length:   testPageSize,
				Segments: []Segment{{Data: page, Length: 1024}},
			},
			err: ErrSegmentMisaligned,
		},
		{
			name: "segment larger than its buffer",
			request: &Request{
				Length:   testPageSize,
				Segments: []Segment{{Data: page[:1024], Length: testPageSize}},
			},
			err: ErrSegmentMisaligned,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := d.Validate(tt.request)
			if tt.err == nil {
				require.NoError(t, err)

				return
			}

			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestValidate_LargePages(t *testing.T) {
	t.Parallel()

	d, err := NewDevice(Config{Capacity: DefaultCapacity, PageSize: 16384}, zap.NewNop(), metrics.NewNoop())
	require.NoError(t, err)

	t.Run("logical block inside a page", func(t *testing.T) {
		t.Parallel()

		err := d.Validate(pageRequest(Read, 8, make([]byte, 16384)))
		require.ErrorIs(t, err, ErrMisaligned)
	})

	t.Run("block sized request with page segment", func(t *testing.T) {
		t.Parallel()

		r := &Request{
			Length:   4096,
			Segments: []Segment{{Data: make([]byte, 16384), Length: 16384}},
		}

		require.ErrorIs(t, d.Validate(r), ErrSegmentMisaligned)
	})

	t.Run("full page", func(t *testing.T) {
		t.Parallel()

		require.NoError(t, d.Validate(pageRequest(Read, 32, make([]byte, 16384))))
	})
}

func TestNewPageRequest(t *testing.T) {
	t.Parallel()

	page := bytes.Repeat([]byte{1}, testPageSize)

	r, err := NewPageRequest(Write, 5*testPageSize, page, OriginUser)
	require.NoError(t, err)

	assert.Equal(t, uint64(40), r.Sector)
	assert.Equal(t, testPageSize, r.Length)
	require.Len(t, r.Segments, 1)
	assert.Equal(t, page, r.Segments[0].bytes())

	_, err = NewPageRequest(Read, 100, page, OriginUser)
	require.ErrorIs(t, err, ErrMisaligned)

	// The top bit set must not wrap into a negative or small offset.
	r, err = NewPageRequest(Read, 1<<63, page, OriginUser)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<54), r.Sector)

	d := newTestDevice(t, nil)
	require.ErrorIs(t, d.Validate(r), ErrOutOfBounds)
}
