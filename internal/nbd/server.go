package nbd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/e2b-dev/vbswap/internal/logger"
	"github.com/e2b-dev/vbswap/internal/swap"
)

// Server exports the device on a unix socket for userspace nbd clients.
type Server struct {
	device     *swap.Device
	origin     swap.OriginDetector
	logger     *zap.Logger
	ready      chan struct{}
	socketPath string
}

func NewServer(socketPath string, device *swap.Device, origin swap.OriginDetector, l *zap.Logger) *Server {
	return &Server{
		device:     device,
		origin:     origin,
		logger:     l.With(logger.WithSocketPath(socketPath)),
		socketPath: socketPath,
		ready:      make(chan struct{}),
	}
}

// Ready is closed once the socket accepts connections, or Run gave up.
func (n *Server) Ready() <-chan struct{} {
	return n.ready
}

func (n *Server) Run(ctx context.Context) error {
	readyClosed := false
	markReady := func() {
		if !readyClosed {
			readyClosed = true
			close(n.ready)
		}
	}
	defer markReady()

	err := os.Remove(n.socketPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	var lc net.ListenConfig

	l, err := lc.Listen(ctx, "unix", n.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}

	go func() {
		<-ctx.Done()

		closeErr := l.Close()
		if closeErr != nil {
			n.logger.Error("failed to close listener", zap.Error(closeErr))
		}
	}()

	n.logger.Info("nbd server listening", zap.Int64("size", n.device.Size()))

	markReady()

	export := Export{
		Name:               swap.DeviceName,
		Size:               uint64(n.device.Size()),
		MinimumBlockSize:   swap.LogicalBlockSize,
		PreferredBlockSize: uint32(n.device.PageSize()),
		MaximumBlockSize:   uint32(n.device.PageSize()),
	}

	for {
		conn, acceptErr := l.Accept()
		if acceptErr != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				n.logger.Error("failed to accept connection", zap.Error(acceptErr))

				continue
			}
		}

		connLogger := n.logger.With(logger.WithConnectionID(uuid.New()))

		go func() {
			defer func() {
				if r := recover(); r != nil {
					connLogger.Error("recovering from NBD server panic", zap.Any("panic", r))
				}
			}()

			n.serve(ctx, conn, export, connLogger)
		}()
	}
}

// serve negotiates the export and then hands the connection to a Dispatch,
// which replies to every failed request with an I/O error.
func (n *Server) serve(ctx context.Context, conn net.Conn, export Export, connLogger *zap.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Unblocks the reads below on shutdown.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()
	defer conn.Close()

	connLogger.Debug("client connected")

	err := Negotiate(conn, export)
	if err != nil {
		connLogger.Info("nbd negotiation failed", zap.Error(err))

		return
	}

	dispatch := NewDispatch(conn, n.device, n.origin, connLogger)

	err = dispatch.Handle(ctx)
	// Let the pending replies go out before the connection is closed.
	dispatch.Drain()

	if err != nil && !errors.Is(err, io.EOF) {
		connLogger.Info("client disconnected with error", zap.Error(err))

		return
	}

	connLogger.Debug("client disconnected")
}
