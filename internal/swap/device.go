package swap

import (
	"fmt"
	"math/bits"

	"github.com/tklauser/go-sysconf"
	"go.uber.org/zap"

	"github.com/e2b-dev/vbswap/internal/metrics"
)

const (
	SectorShift = 9
	SectorSize  = 1 << SectorShift

	LogicalBlockShift = 12
	LogicalBlockSize  = 1 << LogicalBlockShift

	sectorsPerLogicalBlock = 1 << (LogicalBlockShift - SectorShift)

	DefaultCapacity = 6 << 30

	// DeviceName makes swap tooling treat the device as compressed swap with a header.
	DeviceName = "zram0"
)

type Config struct {
	// Capacity in bytes, rounded up to the page size.
	Capacity int64
	// PageSize in bytes, the host page size if zero.
	PageSize int64
}

// Limits are the queue characteristics the device presents to the host.
type Limits struct {
	LogicalBlockSize  int64 `json:"logical_block_size"`
	PhysicalBlockSize int64 `json:"physical_block_size"`
	MinIOSize         int64 `json:"minimum_io_size"`
	OptimalIOSize     int64 `json:"optimal_io_size"`
	MaxTransferSize   int64 `json:"max_transfer_size"`
	NonRotational     bool  `json:"non_rotational"`
	AddRandom         bool  `json:"add_random"`
}

// Device is a block device that only retains the swap header page.
// All other pages read as zero and reject writes.
type Device struct {
	capacity            int64
	pageSize            int64
	sectorsPerPageShift uint

	store   *PageStore
	logger  *zap.Logger
	metrics metrics.Metrics
}

func HostPageSize() (int64, error) {
	pageSize, err := sysconf.Sysconf(sysconf.SC_PAGESIZE)
	if err != nil {
		return 0, fmt.Errorf("failed to get page size: %w", err)
	}

	return pageSize, nil
}

func NewDevice(config Config, logger *zap.Logger, m metrics.Metrics) (*Device, error) {
	pageSize := config.PageSize
	if pageSize == 0 {
		var err error

		pageSize, err = HostPageSize()
		if err != nil {
			return nil, err
		}
	}

	if pageSize < LogicalBlockSize || bits.OnesCount64(uint64(pageSize)) != 1 {
		return nil, fmt.Errorf("page size %d is not a power of two of at least %d bytes", pageSize, LogicalBlockSize)
	}

	if config.Capacity <= 0 {
		return nil, fmt.Errorf("invalid capacity %d", config.Capacity)
	}

	capacity := (config.Capacity + pageSize - 1) &^ (pageSize - 1)

	return &Device{
		capacity:            capacity,
		pageSize:            pageSize,
		sectorsPerPageShift: uint(bits.TrailingZeros64(uint64(pageSize))) - SectorShift,
		store:               NewPageStore(int(pageSize), logger),
		logger:              logger,
		metrics:             m,
	}, nil
}

func (d *Device) Size() int64 {
	return d.capacity
}

func (d *Device) PageSize() int64 {
	return d.pageSize
}

func (d *Device) Sectors() uint64 {
	return uint64(d.capacity) >> SectorShift
}

func (d *Device) HeaderState() HeaderState {
	return d.store.State()
}

func (d *Device) Limits() Limits {
	return Limits{
		LogicalBlockSize:  LogicalBlockSize,
		PhysicalBlockSize: d.pageSize,
		MinIOSize:         d.pageSize,
		OptimalIOSize:     d.pageSize,
		MaxTransferSize:   d.pageSize,
		NonRotational:     true,
		AddRandom:         false,
	}
}

// Validate checks bounds and alignment of r before any data is moved.
func (d *Device) Validate(r *Request) error {
	if r.Sector >= d.Sectors() {
		return fmt.Errorf("%w: sector %d, device has %d sectors", ErrOutOfBounds, r.Sector, d.Sectors())
	}

	if r.Sector&(sectorsPerLogicalBlock-1) != 0 {
		return fmt.Errorf("%w: sector %d", ErrMisaligned, r.Sector)
	}

	if r.Length < 0 || r.Length&(LogicalBlockSize-1) != 0 {
		return fmt.Errorf("%w: length %d", ErrMisaligned, r.Length)
	}

	offset := (r.Sector & (1<<d.sectorsPerPageShift - 1)) << SectorShift
	if offset != 0 {
		return fmt.Errorf("%w: sector %d is %d bytes into its page", ErrMisaligned, r.Sector, offset)
	}

	if int64(r.Length) > d.pageSize {
		return fmt.Errorf("%w: length %d", ErrOversized, r.Length)
	}

	switch {
	case len(r.Segments) > 1:
		return fmt.Errorf("%w: %d segments", ErrOversized, len(r.Segments))
	case len(r.Segments) == 0:
		return fmt.Errorf("%w: no segments", ErrSegmentMisaligned)
	}

	for _, s := range r.Segments {
		if int64(s.Length) != d.pageSize || s.Offset != 0 {
			return fmt.Errorf("%w: length %d, offset %d", ErrSegmentMisaligned, s.Length, s.Offset)
		}

		if s.Length != r.Length || len(s.Data) < s.Offset+s.Length {
			return fmt.Errorf("%w: segment of %d bytes does not match the request", ErrSegmentMisaligned, s.Length)
		}
	}

	return nil
}

// Close releases the swap header if nobody read it.
func (d *Device) Close() error {
	d.store.Close()

	return nil
}
