package logger

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func WithDevicePath(path string) zap.Field {
	return zap.String("device.path", path)
}

func WithDeviceIndex(index uint32) zap.Field {
	return zap.Uint32("device.index", index)
}

func WithSocketPath(path string) zap.Field {
	return zap.String("socket.path", path)
}

func WithConnectionID(id uuid.UUID) zap.Field {
	return zap.String("connection.id", id.String())
}
