package cfg

import (
	"fmt"
	"reflect"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
)

const (
	ModeKernel = "kernel"
	ModeSocket = "socket"
)

// Bytes is a size that accepts human readable values like "6GiB".
type Bytes int64

type Config struct {
	AttrsPort             uint16        `env:"VBSWAP_ATTRS_PORT"              envDefault:"5010"`
	Debug                 bool          `env:"VBSWAP_DEBUG"`
	DiskSize              Bytes         `env:"VBSWAP_DISKSIZE"                envDefault:"6GiB"`
	LinkPath              string        `env:"VBSWAP_LINK_PATH"               envDefault:"/dev/block/zram0"`
	Mode                  string        `env:"VBSWAP_MODE"                    envDefault:"kernel"`
	NBDConnections        int           `env:"VBSWAP_NBD_CONNECTIONS"         envDefault:"1"`
	OriginCacheTTL        time.Duration `env:"VBSWAP_ORIGIN_CACHE_TTL"        envDefault:"1s"`
	OTELCollectorEndpoint string        `env:"OTEL_COLLECTOR_GRPC_ENDPOINT"`
	ProcSwapsPath         string        `env:"VBSWAP_PROC_SWAPS_PATH"         envDefault:"/proc/swaps"`
	SocketPath            string        `env:"VBSWAP_SOCKET_PATH"             envDefault:"/run/vbswap.sock"`
	SysfsPath             string        `env:"VBSWAP_SYSFS_PATH"              envDefault:"/sys"`
}

func Parse() (Config, error) {
	config, err := env.ParseAsWithOptions[Config](env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(Bytes(0)): parseBytes,
		},
	})
	if err != nil {
		return Config{}, err
	}

	switch config.Mode {
	case ModeKernel, ModeSocket:
	default:
		return Config{}, fmt.Errorf("unknown mode %q, expected %q or %q", config.Mode, ModeKernel, ModeSocket)
	}

	if config.NBDConnections < 1 {
		return Config{}, fmt.Errorf("at least one nbd connection is required, got %d", config.NBDConnections)
	}

	return config, nil
}

func parseBytes(value string) (any, error) {
	size, err := humanize.ParseBytes(value)
	if err != nil {
		return nil, fmt.Errorf("failed to parse size %q: %w", value, err)
	}

	return Bytes(size), nil
}
