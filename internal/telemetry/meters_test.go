package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/vbswap/internal/metrics"
)

func TestNewMeterProvider_NoEndpoint(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	provider, shutdown, err := NewMeterProvider(ctx, "")
	require.NoError(t, err)

	m, err := metrics.NewMetrics(provider)
	require.NoError(t, err)

	m.RequestsMetric.Add(ctx, 1)

	require.NoError(t, shutdown(ctx))
}

func TestNewMeterProvider_Endpoint(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	// The exporter connects lazily, so nothing has to listen here.
	provider, shutdown, err := NewMeterProvider(ctx, "127.0.0.1:4317")
	require.NoError(t, err)
	require.NotNil(t, provider)

	_, err = metrics.NewMetrics(provider)
	require.NoError(t, err)

	shutdownCtx, cancel := context.WithCancel(ctx)
	cancel()

	// Shutdown tries a final export, which fails without a collector.
	_ = shutdown(shutdownCtx)
}
