//go:build !linux
// +build !linux

package nbd

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/e2b-dev/vbswap/internal/swap"
)

type DirectPathMount struct {
	Backend *swap.Device
}

func NewDirectPathMount(
	b *swap.Device,
	devicePool *DevicePool,
	origin swap.OriginDetector,
	sysfsPath string,
	connections int,
	logger *zap.Logger,
) *DirectPathMount {
	return &DirectPathMount{Backend: b}
}

func (d *DirectPathMount) Open(ctx context.Context) (uint32, error) {
	return 0, errors.New("platform does not support direct path mount")
}

func (d *DirectPathMount) Close(ctx context.Context) error {
	return errors.New("platform does not support direct path mount")
}
