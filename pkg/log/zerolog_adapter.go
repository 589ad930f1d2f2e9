package log

import (
	"time"

	"github.com/rs/zerolog"
)

// ZerologAdapter writes protocol events to a zerolog.Logger. Errors are
// logged at Warn, everything else at Debug.
type ZerologAdapter struct {
	logger zerolog.Logger
}

// NewZerologAdapter creates a ZerologAdapter.
func NewZerologAdapter(logger zerolog.Logger) *ZerologAdapter {
	return &ZerologAdapter{logger: logger}
}

// Log writes the event.
func (a *ZerologAdapter) Log(event Event) {
	e := a.logger.Debug()
	if event.Error != nil {
		e = a.logger.Warn()
	}
	if !e.Enabled() {
		return
	}

	for _, f := range eventFields(event) {
		switch v := f.value.(type) {
		case string:
			e = e.Str(f.key, v)
		case int:
			e = e.Int(f.key, v)
		case int64:
			e = e.Int64(f.key, v)
		case uint64:
			e = e.Uint64(f.key, v)
		case bool:
			e = e.Bool(f.key, v)
		case time.Duration:
			e = e.Dur(f.key, v)
		default:
			e = e.Interface(f.key, v)
		}
	}
	e.Time("at", event.Timestamp).Msg("protocol")
}

var _ Logger = (*ZerologAdapter)(nil)
