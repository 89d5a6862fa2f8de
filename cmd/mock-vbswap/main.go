//go:build linux
// +build linux

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/edsrzf/mmap-go"
	"github.com/google/uuid"
	"github.com/pojntfx/go-nbd/pkg/client"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/e2b-dev/vbswap/internal/metrics"
	"github.com/e2b-dev/vbswap/internal/nbd"
	"github.com/e2b-dev/vbswap/internal/origin"
	"github.com/e2b-dev/vbswap/internal/swap"
)

var CLI struct {
	Sysfs string `name:"sysfs" help:"sysfs mount point" default:"/sys" type:"path"`
	Size  string `name:"size" help:"Device size, e.g. 64MiB" default:"64MiB"`
	Label string `name:"label" help:"Swap label written to the header" default:"mock-vbswap"`
	Mode  string `name:"mode" help:"Attach through netlink socketpairs (kernel) or the unix socket server and the go-nbd client (socket)" enum:"kernel,socket" default:"kernel"`
}

type detachFunc func() error

func main() {
	kctx := kong.Parse(&CLI,
		kong.Name("mock-vbswap"),
		kong.Description("Attach a swap header device, write a header and check it is delivered once"),
		kong.UsageOnError(),
	)

	capacity, err := humanize.ParseBytes(CLI.Size)
	if err != nil {
		kctx.Fatalf("invalid size %q: %v", CLI.Size, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	err = mockSwap(ctx, CLI.Mode, CLI.Sysfs, int64(capacity), CLI.Label)
	kctx.FatalIfErrorf(err)
}

func mockSwap(ctx context.Context, mode, sysfsPath string, capacity int64, label string) (e error) {
	logger := zap.Must(zap.NewDevelopment())

	device, err := swap.NewDevice(swap.Config{Capacity: capacity}, logger, metrics.NewNoop())
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	defer device.Close()

	devicePool, err := nbd.NewDevicePool(sysfsPath, metrics.NewNoop(), logger)
	if err != nil {
		return fmt.Errorf("failed to create device pool: %w", err)
	}

	attach := attachKernel
	if mode == "socket" {
		attach = attachSocket
	}

	devicePath, detach, err := attach(ctx, device, devicePool, sysfsPath, logger)
	if err != nil {
		return err
	}
	defer func() {
		e = errors.Join(e, detach())
	}()

	fmt.Printf("attached %d bytes at %s (%s)\n", device.Size(), devicePath, mode)

	return checkHeader(device, devicePath, label)
}

func attachKernel(ctx context.Context, device *swap.Device, devicePool *nbd.DevicePool, sysfsPath string, logger *zap.Logger) (string, detachFunc, error) {
	mnt := nbd.NewDirectPathMount(device, devicePool, origin.Static(swap.OriginUser), sysfsPath, 1, logger)

	slot, err := mnt.Open(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("failed to open: %w", err)
	}

	return nbd.GetDevicePath(slot), func() error {
		return mnt.Close(context.Background())
	}, nil
}

// attachSocket serves the device on a unix socket and lets the go-nbd client hand
// that socket to a free nbd slot, the same way a userspace client would.
func attachSocket(ctx context.Context, device *swap.Device, devicePool *nbd.DevicePool, _ string, logger *zap.Logger) (string, detachFunc, error) {
	dir, err := os.MkdirTemp("", "mock-vbswap")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create socket dir: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)

	server := nbd.NewServer(filepath.Join(dir, "vbswap.sock"), device, origin.Static(swap.OriginUser), logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Run(serverCtx)
	}()

	var cleanup []func() error
	detach := func() error {
		var errs []error
		for i := len(cleanup) - 1; i >= 0; i-- {
			errs = append(errs, cleanup[i]())
		}

		cancel()

		if err := <-serverErr; err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}

		errs = append(errs, os.RemoveAll(dir))

		return errors.Join(errs...)
	}

	fail := func(err error) (string, detachFunc, error) {
		return "", nil, errors.Join(err, detach())
	}

	<-server.Ready()

	slot, err := devicePool.GetDevice(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to get device slot: %w", err))
	}
	cleanup = append(cleanup, func() error {
		return devicePool.ReleaseDevice(context.Background(), slot, nbd.WithInfiniteRetry())
	})

	devicePath := nbd.GetDevicePath(slot)

	var dialer net.Dialer

	conn, err := dialer.DialContext(ctx, "unix", filepath.Join(dir, "vbswap.sock"))
	if err != nil {
		return fail(fmt.Errorf("failed to dial socket: %w", err))
	}
	cleanup = append(cleanup, conn.Close)

	f, err := os.OpenFile(devicePath, os.O_RDWR, 0)
	if err != nil {
		return fail(fmt.Errorf("failed to open %s: %w", devicePath, err))
	}
	cleanup = append(cleanup, f.Close)

	ready := make(chan struct{})
	connectErr := make(chan error, 1)

	go func() {
		connectErr <- client.Connect(conn, f, &client.Options{
			ExportName: swap.DeviceName,
			BlockSize:  swap.LogicalBlockSize,
			OnConnected: func() {
				close(ready)
			},
		})
	}()

	select {
	case <-ready:
	case err = <-connectErr:
		return fail(fmt.Errorf("failed to connect %s: %w", devicePath, err))
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	cleanup = append(cleanup, func() error {
		err := client.Disconnect(f)
		if err != nil {
			return fmt.Errorf("failed to disconnect %s: %w", devicePath, err)
		}

		// Connect returns once the kernel let go of the socket.
		<-connectErr

		return nil
	})

	return devicePath, detach, nil
}

func checkHeader(device *swap.Device, devicePath, label string) error {
	header, err := swap.NewSwapHeader(device.PageSize(), device.Size(), uuid.New(), label)
	if err != nil {
		return fmt.Errorf("failed to build swap header: %w", err)
	}

	// O_DIRECT wants a page aligned buffer, a fresh mapping always is.
	buf, err := mmap.MapRegion(nil, int(device.PageSize()), mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return fmt.Errorf("failed to map buffer: %w", err)
	}
	defer buf.Unmap()

	f, err := os.OpenFile(devicePath, os.O_RDWR|unix.O_DIRECT, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", devicePath, err)
	}
	defer f.Close()

	copy(buf, header)

	_, err = f.WriteAt(buf, 0)
	if err != nil {
		return fmt.Errorf("failed to write swap header: %w", err)
	}

	fmt.Printf("wrote swap header to page 0\n")

	clear(buf)

	_, err = f.ReadAt(buf, 0)
	if err != nil {
		return fmt.Errorf("failed first read: %w", err)
	}

	if !bytes.Equal(buf, header) {
		return errors.New("first read did not return the swap header")
	}

	parsed, _ := swap.ParseSwapHeader(buf)
	fmt.Printf("first read returned the swap header (uuid %s, label %q)\n", parsed.UUID, parsed.Label)

	_, err = f.ReadAt(buf, 0)
	if err != nil {
		return fmt.Errorf("failed second read: %w", err)
	}

	if !bytes.Equal(buf, make([]byte, len(buf))) {
		return errors.New("second read did not return zeroes")
	}

	fmt.Printf("second read returned zeroes, one-shot delivery held\n")

	return nil
}
