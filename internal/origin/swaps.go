package origin

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/e2b-dev/vbswap/internal/swap"
)

// Static always reports the same origin.
type Static swap.Origin

func (s Static) Origin(context.Context) swap.Origin {
	return swap.Origin(s)
}

// SwapsDetector treats requests as paging traffic once the watched device is an active swap area.
//
// swapon reads the header before the kernel lists the device in /proc/swaps,
// so configuration tooling is still served.
type SwapsDetector struct {
	swapsPath string
	logger    *zap.Logger

	mu    sync.RWMutex
	paths []string

	cache *ttlcache.Cache[string, bool]
}

func NewSwapsDetector(swapsPath string, ttl time.Duration, logger *zap.Logger) *SwapsDetector {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, bool](ttl),
		ttlcache.WithDisableTouchOnHit[string, bool](),
	)
	go cache.Start()

	return &SwapsDetector{
		swapsPath: swapsPath,
		logger:    logger,
		cache:     cache,
	}
}

// Watch sets the device node, and any links to it, that identify the device in the swaps table.
func (s *SwapsDetector) Watch(paths ...string) {
	resolved := make([]string, 0, len(paths))

	for _, p := range paths {
		if p == "" {
			continue
		}

		resolved = append(resolved, p)

		target, err := filepath.EvalSymlinks(p)
		if err == nil && target != p {
			resolved = append(resolved, target)
		}
	}

	s.mu.Lock()
	s.paths = resolved
	s.mu.Unlock()

	s.cache.DeleteAll()
}

func (s *SwapsDetector) Origin(ctx context.Context) swap.Origin {
	s.mu.RLock()
	paths := s.paths
	s.mu.RUnlock()

	if len(paths) == 0 {
		return swap.OriginUser
	}

	if item := s.cache.Get(s.swapsPath); item != nil {
		return toOrigin(item.Value())
	}

	active, err := s.isActive(paths)
	if err != nil {
		// Without the swaps table we cannot tell paging traffic apart, serve the request.
		s.logger.Warn("failed to read swaps table", zap.String("path", s.swapsPath), zap.Error(err))

		return swap.OriginUser
	}

	s.cache.Set(s.swapsPath, active, ttlcache.DefaultTTL)

	return toOrigin(active)
}

func (s *SwapsDetector) isActive(paths []string) (bool, error) {
	data, err := os.ReadFile(s.swapsPath)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", s.swapsPath, err)
	}

	areas := ParseSwaps(data)

	for _, p := range paths {
		for _, area := range areas {
			if area == p {
				return true, nil
			}
		}
	}

	return false, nil
}

// ParseSwaps returns the file names of the active swap areas.
func ParseSwaps(data []byte) []string {
	var areas []string

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] == "Filename" {
			continue
		}

		// Names with spaces are octal escaped by the kernel.
		areas = append(areas, strings.ReplaceAll(fields[0], `\040`, " "))
	}

	return areas
}

func (s *SwapsDetector) Close() {
	s.cache.Stop()
}

func toOrigin(active bool) swap.Origin {
	if active {
		return swap.OriginPager
	}

	return swap.OriginUser
}
