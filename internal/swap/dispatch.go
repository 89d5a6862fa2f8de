package swap

import (
	"context"
	"errors"
	"fmt"

	"github.com/OneOfOne/xxhash"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/e2b-dev/vbswap/internal/metrics"
)

// CheckOrigin rejects requests issued by the paging subsystem.
// The device has to look usable to swap tooling while never serving real paging traffic.
func CheckOrigin(r *Request) error {
	if r.Origin == OriginPager {
		return fmt.Errorf("%w: %s of sector %d", ErrOriginRejected, r.Direction, r.Sector)
	}

	return nil
}

// Submit runs r to completion. Either every segment is handled or the
// whole request fails on the first error.
func (d *Device) Submit(ctx context.Context, r *Request) (err error) {
	timer := d.metrics.Begin(d.metrics.RequestDurationMetric)

	defer func() {
		result := metrics.ResultOK
		if err != nil {
			result = metrics.ResultFailed

			d.logFailure(r, err)
		}

		attrs := []attribute.KeyValue{
			metrics.KV("direction", r.Direction.String()),
			metrics.KV("result", result),
		}

		d.metrics.RequestsMetric.Add(ctx, 1, metric.WithAttributes(attrs...))
		timer.End(ctx, attrs...)
	}()

	err = CheckOrigin(r)
	if err != nil {
		return err
	}

	err = d.Validate(r)
	if err != nil {
		return err
	}

	index := r.Sector >> d.sectorsPerPageShift

	for _, s := range r.Segments {
		err = d.pageIO(ctx, r.Direction, index, s.bytes())
		if err != nil {
			return err
		}

		index++
	}

	return nil
}

func (d *Device) pageIO(ctx context.Context, dir Direction, index uint64, page []byte) error {
	if dir == Read {
		return d.readPage(ctx, index, page)
	}

	return d.writePage(ctx, index, page)
}

func (d *Device) readPage(ctx context.Context, index uint64, page []byte) error {
	if index != HeaderIndex {
		// Probing tools binary search the device size, zeroes keep them happy.
		d.logger.Debug("read outside of swap header", zap.Uint64("page", index))
	}

	if d.store.Read(index, page) {
		d.metrics.HeaderMetric.Add(ctx, 1, metric.WithAttributes(metrics.KV("event", metrics.HeaderDelivered)))
		d.logger.Debug("delivered swap header", zap.Uint64("checksum", xxhash.Checksum64(page)))
	}

	return nil
}

func (d *Device) writePage(ctx context.Context, index uint64, page []byte) error {
	err := d.store.Write(index, page)
	if err != nil {
		return err
	}

	d.metrics.HeaderMetric.Add(ctx, 1, metric.WithAttributes(metrics.KV("event", metrics.HeaderCaptured)))

	checksum := xxhash.Checksum64(page)

	h, ok := ParseSwapHeader(page)
	if !ok {
		d.logger.Debug("captured page without swap signature", zap.Uint64("checksum", checksum))

		return nil
	}

	d.logger.Info("captured swap header",
		zap.Uint64("checksum", checksum),
		zap.Stringer("uuid", h.UUID),
		zap.String("label", h.Label),
		zap.Uint32("last_page", h.LastPage),
	)

	return nil
}

func (d *Device) logFailure(r *Request, err error) {
	level := zapcore.ErrorLevel

	switch {
	case expected(err):
		level = zapcore.DebugLevel
	case errors.Is(err, ErrProtocolViolation):
		level = zapcore.WarnLevel
	}

	d.logger.Log(level, "invalid io request",
		zap.Error(err),
		zap.Stringer("direction", r.Direction),
		zap.Stringer("origin", r.Origin),
		zap.Uint64("sector", r.Sector),
		zap.Int("length", r.Length),
		zap.Int64("capacity", d.capacity),
	)
}
