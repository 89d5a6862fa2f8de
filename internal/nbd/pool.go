package nbd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"

	"github.com/e2b-dev/vbswap/internal/metrics"
)

const slotRetryInterval = 25 * time.Millisecond

// ErrNoFreeSlots is returned when there are no free slots.
// You can retry the request after some time.
type ErrNoFreeSlots struct{}

func (ErrNoFreeSlots) Error() string {
	return "no free slots"
}

// ErrDeviceInUse is returned when the device that you wanted to release is still in use.
// You can retry the request after ensuring that the device is not in use anymore.
type ErrDeviceInUse struct{}

func (ErrDeviceInUse) Error() string {
	return "device in use"
}

type (
	// DevicePath is the path to the nbd device.
	DevicePath = string
	// DeviceSlot is the slot number of the nbd device.
	DeviceSlot = uint32
)

// DevicePool hands out free /dev/nbdX slots.
//
// It requires the nbd module to be loaded, e.g. `sudo modprobe nbd nbds_max=16`.
type DevicePool struct {
	sysfsPath string
	// We use the bitset to speedup the free device lookup.
	usedSlots *bitset.BitSet
	mu        sync.Mutex

	metrics metrics.Metrics
	logger  *zap.Logger
}

func NewDevicePool(sysfsPath string, m metrics.Metrics, logger *zap.Logger) (*DevicePool, error) {
	maxDevices, err := getMaxDevices(sysfsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get current max devices: %w", err)
	}

	if maxDevices == 0 {
		return nil, fmt.Errorf("nbd module is not loaded or max devices is set to 0")
	}

	return &DevicePool{
		sysfsPath: sysfsPath,
		usedSlots: bitset.New(maxDevices),
		metrics:   m,
		logger:    logger,
	}, nil
}

func getMaxDevices(sysfsPath string) (uint, error) {
	data, err := os.ReadFile(filepath.Join(sysfsPath, "module", "nbd", "parameters", "nbds_max"))

	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("failed to read nbds_max: %w", err)
	}

	maxDevices, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to parse nbds_max: %w", err)
	}

	return uint(maxDevices), nil
}

// The following files and resources are useful for checking if the device is free:
// /sys/devices/virtual/block/nbdX/pid
// /sys/block/nbdX/pid
// /sys/block/nbdX/size
// nbd-client -c
// https://unix.stackexchange.com/questions/33508/check-which-network-block-devices-are-in-use
// https://github.com/NetworkBlockDevice/nbd/blob/17043b068f4323078637314258158aebbfff0a6c/nbd-client.c#L254
func (d *DevicePool) isDeviceFree(slot DeviceSlot) (bool, error) {
	blockPath := filepath.Join(d.sysfsPath, "block", fmt.Sprintf("nbd%d", slot))

	// Continue only if the file doesn't exist.
	_, err := os.Stat(filepath.Join(blockPath, "pid"))
	if err == nil {
		// File is present, therefore the device is in use.
		return false, nil
	}

	if !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to stat pid file: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(blockPath, "size"))
	if err != nil {
		return false, fmt.Errorf("failed to read size file: %w", err)
	}

	size, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return false, fmt.Errorf("failed to parse size: %w", err)
	}

	return size == 0, nil
}

func (d *DevicePool) getMaybeEmptySlot(start DeviceSlot) (DeviceSlot, func(), bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	slot, ok := d.usedSlots.NextClear(uint(start))
	if !ok || slot >= d.usedSlots.Len() {
		return 0, func() {}, false
	}

	d.usedSlots.Set(slot)

	return uint32(slot), func() {
		d.mu.Lock()
		defer d.mu.Unlock()

		d.usedSlots.Clear(slot)
	}, true
}

func (d *DevicePool) getFreeDeviceSlot() (DeviceSlot, error) {
	start := uint32(0)

	for {
		slot, cleanup, ok := d.getMaybeEmptySlot(start)
		if !ok {
			return 0, ErrNoFreeSlots{}
		}

		free, err := d.isDeviceFree(slot)
		if err != nil {
			cleanup()

			return 0, fmt.Errorf("failed to check if device is free: %w", err)
		}

		if !free {
			// We clear the slot even though it is not free to prevent accidental accumulation of slots.
			cleanup()

			// We increment the start to avoid infinite loops.
			start = slot + 1

			continue
		}

		return slot, nil
	}
}

// GetDevice waits until a free slot is found or ctx is done.
func (d *DevicePool) GetDevice(ctx context.Context) (DeviceSlot, error) {
	for {
		slot, err := d.getFreeDeviceSlot()
		if err == nil {
			d.metrics.SlotsUsedMetric.Add(ctx, 1)

			return slot, nil
		}

		if !errors.As(err, &ErrNoFreeSlots{}) {
			return 0, err
		}

		select {
		case <-ctx.Done():
			return 0, errors.Join(err, ctx.Err())
		case <-time.After(slotRetryInterval):
		}
	}
}

type releaseOptions struct {
	infiniteRetry bool
}

type ReleaseOption func(*releaseOptions)

// WithInfiniteRetry keeps retrying while the kernel still holds the device, until ctx is done.
func WithInfiniteRetry() ReleaseOption {
	return func(o *releaseOptions) {
		o.infiniteRetry = true
	}
}

// ReleaseDevice will return an error if the device is not free and not release the slot, you can retry.
func (d *DevicePool) ReleaseDevice(ctx context.Context, idx DeviceSlot, opts ...ReleaseOption) error {
	var o releaseOptions
	for _, opt := range opts {
		opt(&o)
	}

	for {
		free, err := d.isDeviceFree(idx)
		if err != nil {
			return fmt.Errorf("failed to check if device is free: %w", err)
		}

		if free {
			break
		}

		if !o.infiniteRetry {
			return ErrDeviceInUse{}
		}

		d.logger.Debug("device still in use, retrying release", zap.Uint32("device_index", idx))

		select {
		case <-ctx.Done():
			return errors.Join(ErrDeviceInUse{}, ctx.Err())
		case <-time.After(slotRetryInterval):
		}
	}

	d.mu.Lock()
	d.usedSlots.Clear(uint(idx))
	d.mu.Unlock()

	d.metrics.SlotsUsedMetric.Add(ctx, -1)

	return nil
}

func GetDevicePath(slot DeviceSlot) DevicePath {
	return fmt.Sprintf("/dev/nbd%d", slot)
}

var reSlot = regexp.MustCompile(`^/dev/nbd(\d+)$`)

func GetDeviceSlot(path DevicePath) (DeviceSlot, error) {
	matches := reSlot.FindStringSubmatch(path)
	if len(matches) != 2 {
		return 0, fmt.Errorf("invalid nbd path: %s", path)
	}

	slot, err := strconv.ParseUint(matches[1], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("failed to parse slot from path: %w", err)
	}

	return DeviceSlot(slot), nil
}
