package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/e2b-dev/vbswap/internal/attrs"
	"github.com/e2b-dev/vbswap/internal/cfg"
	"github.com/e2b-dev/vbswap/internal/logger"
	"github.com/e2b-dev/vbswap/internal/metrics"
	"github.com/e2b-dev/vbswap/internal/nbd"
	"github.com/e2b-dev/vbswap/internal/origin"
	"github.com/e2b-dev/vbswap/internal/swap"
	"github.com/e2b-dev/vbswap/internal/telemetry"
)

const (
	serviceName = "vbswap"

	shutdownTimeout = 30 * time.Second
)

var commitSHA string

func main() {
	success := run()
	if !success {
		os.Exit(1)
	}
}

func run() (success bool) {
	success = true

	config, err := cfg.Parse()
	if err != nil {
		log.Printf("failed to parse config: %v", err)

		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig, sigCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer sigCancel()

	globalLogger := logger.New(logger.Config{
		Service: serviceName,
		Debug:   config.Debug,
		Fields:  []zap.Field{zap.String("commit", commitSHA)},
	})
	defer globalLogger.Sync()
	zap.ReplaceGlobals(globalLogger)

	meterProvider, shutdownMeters, err := telemetry.NewMeterProvider(ctx, config.OTELCollectorEndpoint)
	if err != nil {
		zap.L().Error("failed to create meter provider", zap.Error(err))

		return false
	}
	defer func() {
		if err := shutdownMeters(context.Background()); err != nil {
			zap.L().Error("telemetry shutdown", zap.Error(err))
			success = false
		}
	}()

	_, shutdownTracer, err := telemetry.NewTracerProvider(ctx, config.OTELCollectorEndpoint)
	if err != nil {
		zap.L().Error("failed to create tracer provider", zap.Error(err))

		return false
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			zap.L().Error("telemetry shutdown", zap.Error(err))
			success = false
		}
	}()

	m, err := metrics.NewMetrics(meterProvider)
	if err != nil {
		zap.L().Error("failed to create metrics", zap.Error(err))

		return false
	}

	device, err := swap.NewDevice(swap.Config{Capacity: int64(config.DiskSize)}, globalLogger, m)
	if err != nil {
		zap.L().Error("failed to create device", zap.Error(err))

		return false
	}
	defer device.Close()

	zap.L().Info("created swap header device",
		zap.String("name", swap.DeviceName),
		zap.String("mode", config.Mode),
		zap.String("capacity", humanize.IBytes(uint64(device.Size()))),
		zap.Int64("page_size", device.PageSize()),
	)

	detector := origin.NewSwapsDetector(config.ProcSwapsPath, config.OriginCacheTTL, globalLogger)
	defer detector.Close()

	g, gctx := errgroup.WithContext(sig)

	attrsServer := attrs.NewServer(gctx, uint(config.AttrsPort), globalLogger, device)

	g.Go(func() error {
		zap.L().Info("starting attrs server", zap.String("addr", attrsServer.Addr))

		err := attrsServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("attrs server: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return attrsServer.Shutdown(shutdownCtx)
	})

	switch config.Mode {
	case cfg.ModeKernel:
		g.Go(func() error {
			return serveKernel(gctx, config, device, detector, m, globalLogger)
		})
	case cfg.ModeSocket:
		if config.LinkPath != "" {
			detector.Watch(config.LinkPath)
		}

		server := nbd.NewServer(config.SocketPath, device, detector, globalLogger)

		g.Go(func() error {
			err := server.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return fmt.Errorf("nbd server: %w", err)
		})
	}

	<-gctx.Done()
	zap.L().Info("shutting down")

	if err := g.Wait(); err != nil {
		zap.L().Error("service group error", zap.Error(err))
		success = false
	}

	return success
}

func serveKernel(ctx context.Context, config cfg.Config, device *swap.Device, detector *origin.SwapsDetector, m metrics.Metrics, l *zap.Logger) error {
	devicePool, err := nbd.NewDevicePool(config.SysfsPath, m, l)
	if err != nil {
		return fmt.Errorf("failed to create device pool: %w", err)
	}

	mount := nbd.NewDirectPathMount(device, devicePool, detector, config.SysfsPath, config.NBDConnections, l)

	slot, err := mount.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to attach device: %w", err)
	}

	devicePath := nbd.GetDevicePath(slot)
	l.Info("attached swap header device", logger.WithDevicePath(devicePath), logger.WithDeviceIndex(slot))

	watched := []string{devicePath}

	if config.LinkPath != "" {
		err = linkDevice(devicePath, config.LinkPath)
		if err != nil {
			l.Warn("failed to link device", logger.WithDevicePath(config.LinkPath), zap.Error(err))
		} else {
			watched = append(watched, config.LinkPath)
		}
	}

	detector.Watch(watched...)

	<-ctx.Done()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error

	if config.LinkPath != "" {
		err := unlinkDevice(devicePath, config.LinkPath)
		if err != nil {
			errs = append(errs, err)
		}
	}

	err = mount.Close(closeCtx)
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to detach device: %w", err))
	}

	return errors.Join(errs...)
}

// linkDevice points linkPath at the attached device, replacing a stale link.
func linkDevice(devicePath, linkPath string) error {
	err := os.MkdirAll(filepath.Dir(linkPath), 0o755)
	if err != nil {
		return fmt.Errorf("failed to create link directory: %w", err)
	}

	info, err := os.Lstat(linkPath)
	switch {
	case err == nil && info.Mode()&os.ModeSymlink == 0:
		return fmt.Errorf("%s exists and is not a symlink", linkPath)
	case err == nil:
		err = os.Remove(linkPath)
		if err != nil {
			return fmt.Errorf("failed to remove stale link: %w", err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("failed to stat link: %w", err)
	}

	return os.Symlink(devicePath, linkPath)
}

// unlinkDevice removes linkPath only if it still points at devicePath.
func unlinkDevice(devicePath, linkPath string) error {
	target, err := os.Readlink(linkPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to read link: %w", err)
	}

	if target != devicePath {
		return nil
	}

	err = os.Remove(linkPath)
	if err != nil {
		return fmt.Errorf("failed to remove link: %w", err)
	}

	return nil
}
