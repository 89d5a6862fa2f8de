package nbd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/e2b-dev/vbswap/internal/swap"
)

// ApplyQueueLimits makes the kernel queue of an attached nbd device match the device limits.
// The nbd driver has no netlink attributes for these, sysfs is the only way to set them.
func ApplyQueueLimits(sysfsPath string, slot DeviceSlot, limits swap.Limits) error {
	queuePath := filepath.Join(sysfsPath, "block", fmt.Sprintf("nbd%d", slot), "queue")

	settings := []struct {
		name  string
		value string
	}{
		{"max_sectors_kb", strconv.FormatInt(max(limits.MaxTransferSize/1024, 1), 10)},
		{"rotational", boolAttr(!limits.NonRotational)},
		{"add_random", boolAttr(limits.AddRandom)},
	}

	var errs []error

	for _, s := range settings {
		err := os.WriteFile(filepath.Join(queuePath, s.name), []byte(s.value), 0)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to set %s: %w", s.name, err))
		}
	}

	return errors.Join(errs...)
}

func boolAttr(v bool) string {
	if v {
		return "1"
	}

	return "0"
}
