package worker

import (
	"os"
	"strings"

	"go.uber.org/zap"
)

var workerDebugEnabled = strings.EqualFold(os.Getenv("CIRCAD_WORKER_DEBUG"), "1")

// debugLog surfaces per-attempt tracing at info level when
// CIRCAD_WORKER_DEBUG=1, and at debug level otherwise.
func debugLog(l *zap.Logger, msg string, fields ...zap.Field) {
	if workerDebugEnabled {
		l.Info(msg, fields...)
		return
	}
	l.Debug(msg, fields...)
}
