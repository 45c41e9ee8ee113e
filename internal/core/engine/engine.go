package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/postpace/postpace/internal/core"
)

// Logger is the structured logger the engine writes to. *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
}

// Recorder receives engine events for metrics.
type Recorder interface {
	RecordAdmission(endpoint string, decision core.Decision)
	RecordDispatch(action core.Action, outcome string, elapsed time.Duration)
	RecordTransition(from, to core.ItemStatus)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...zap.Field) {}
func (nopLogger) Info(string, ...zap.Field) {}
func (nopLogger) Warn(string, ...zap.Field) {}
func (nopLogger) Error(string, ...zap.Field) {}

type nopRecorder struct{}

func (nopRecorder) RecordAdmission(string, core.Decision) {}
func (nopRecorder) RecordDispatch(core.Action, string, time.Duration) {}
func (nopRecorder) RecordTransition(core.ItemStatus, core.ItemStatus) {}

func loggerOrNop(l Logger) Logger {
	if l == nil {
		return nopLogger{}
	}
	return l
}

func recorderOrNop(r Recorder) Recorder {
	if r == nil {
		return nopRecorder{}
	}
	return r
}

func systemNow(clock func() time.Time) time.Time {
	if clock != nil {
		return clock().UTC()
	}
	return time.Now().UTC()
}
