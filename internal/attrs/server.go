package attrs

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	limits "github.com/gin-contrib/size"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/e2b-dev/vbswap/internal/swap"
)

const (
	maxReadTimeout  = 10 * time.Second
	maxWriteTimeout = 10 * time.Second
	idleTimeout     = 120 * time.Second

	// Attribute stores are a few bytes of text.
	maxBodySize = 4096
)

// NewServer exposes the device attributes swap tooling pokes at before mkswap/swapon.
func NewServer(ctx context.Context, port uint, logger *zap.Logger, device *swap.Device) *http.Server {
	engine := gin.New()
	engine.Use(
		gin.Recovery(),
		limits.RequestSizeLimiter(maxBodySize),
	)

	store := NewStore(logger, device)
	store.Register(engine)

	return &http.Server{
		Handler: otelhttp.NewHandler(engine, "attrs"),
		Addr:    fmt.Sprintf("0.0.0.0:%d", port),

		ReadTimeout:  maxReadTimeout,
		WriteTimeout: maxWriteTimeout,
		IdleTimeout:  idleTimeout,

		BaseContext: func(net.Listener) context.Context { return ctx },
	}
}
