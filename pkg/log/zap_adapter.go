package log

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapAdapter writes protocol events to a zap.Logger. Errors are logged at
// Warn, everything else at Debug.
type ZapAdapter struct {
	logger *zap.Logger
}

// NewZapAdapter creates a ZapAdapter.
func NewZapAdapter(logger *zap.Logger) *ZapAdapter {
	return &ZapAdapter{logger: logger}
}

// Log writes the event.
func (a *ZapAdapter) Log(event Event) {
	level := zapcore.DebugLevel
	if event.Error != nil {
		level = zapcore.WarnLevel
	}
	ce := a.logger.Check(level, "protocol")
	if ce == nil {
		return
	}

	fs := eventFields(event)
	zfs := make([]zap.Field, 0, len(fs)+1)
	for _, f := range fs {
		switch v := f.value.(type) {
		case string:
			zfs = append(zfs, zap.String(f.key, v))
		case int:
			zfs = append(zfs, zap.Int(f.key, v))
		case int64:
			zfs = append(zfs, zap.Int64(f.key, v))
		case uint64:
			zfs = append(zfs, zap.Uint64(f.key, v))
		case bool:
			zfs = append(zfs, zap.Bool(f.key, v))
		case time.Duration:
			zfs = append(zfs, zap.Duration(f.key, v))
		default:
			zfs = append(zfs, zap.Any(f.key, v))
		}
	}
	zfs = append(zfs, zap.Time("at", event.Timestamp))
	ce.Write(zfs...)
}

var _ Logger = (*ZapAdapter)(nil)
