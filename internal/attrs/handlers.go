package attrs

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/cpu"
	"go.uber.org/zap"

	"github.com/e2b-dev/vbswap/internal/swap"
)

type Store struct {
	logger *zap.Logger
	device *swap.Device

	// cpuCount is replaced in tests.
	cpuCount func(ctx context.Context) (int, error)
}

func NewStore(logger *zap.Logger, device *swap.Device) *Store {
	return &Store{
		logger:   logger,
		device:   device,
		cpuCount: onlineCPUs,
	}
}

func onlineCPUs(ctx context.Context) (int, error) {
	return cpu.CountsWithContext(ctx, true)
}

// LimitsResponse describes the device to anyone sizing swap for it.
type LimitsResponse struct {
	Name        string      `json:"name"`
	Size        int64       `json:"size"`
	PageSize    int64       `json:"page_size"`
	HeaderState string      `json:"header_state"`
	Limits      swap.Limits `json:"limits"`
}

func (s *Store) Register(engine *gin.Engine) {
	engine.GET("/disksize", s.GetDisksize)
	engine.PUT("/disksize", s.StoreIgnored("disksize"))
	engine.POST("/disksize", s.StoreIgnored("disksize"))

	engine.GET("/max_comp_streams", s.GetMaxCompStreams)
	engine.PUT("/max_comp_streams", s.StoreIgnored("max_comp_streams"))
	engine.POST("/max_comp_streams", s.StoreIgnored("max_comp_streams"))

	engine.GET("/limits", s.GetLimits)
}

func (s *Store) GetDisksize(c *gin.Context) {
	c.String(http.StatusOK, "%d\n", s.device.Size())
}

func (s *Store) GetMaxCompStreams(c *gin.Context) {
	count, err := s.cpuCount(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to count online cpus", zap.Error(err))
		c.String(http.StatusInternalServerError, "%s\n", err.Error())

		return
	}

	c.String(http.StatusOK, "%d\n", count)
}

// StoreIgnored accepts the write so tooling carries on, the value is never applied.
func (s *Store) StoreIgnored(attr string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusBadRequest, "%s\n", err.Error())

			return
		}

		s.logger.Debug(fmt.Sprintf("ignoring %s store", attr), zap.ByteString("value", body))

		c.Status(http.StatusOK)
	}
}

func (s *Store) GetLimits(c *gin.Context) {
	c.JSON(http.StatusOK, LimitsResponse{
		Name:        swap.DeviceName,
		Size:        s.device.Size(),
		PageSize:    s.device.PageSize(),
		HeaderState: s.device.HeaderState().String(),
		Limits:      s.device.Limits(),
	})
}
