// LogObserver derives log records from failed, skipped and slow tasks.
// Emits ERROR-severity logs for failures and WARN-severity logs for skipped or slow tasks.
package runner

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/log"
)

// LogObserver emits log records for notable task outcomes.
type LogObserver struct {
	logger        log.Logger
	slowThreshold time.Duration
}

// NewLogObserver creates a LogObserver that emits logs via the given LoggerProvider.
// A slowThreshold of 0 disables slow task detection.
func NewLogObserver(lp log.LoggerProvider, slowThreshold time.Duration) *LogObserver {
	return &LogObserver{
		logger:        lp.Logger(TracerName, log.WithInstrumentationVersion(Version)),
		slowThreshold: slowThreshold,
	}
}

// Observe emits log records for failed and skipped tasks and tasks exceeding the slow threshold.
func (l *LogObserver) Observe(info TaskInfo) {
	attrs := []log.KeyValue{
		log.String("task.id", info.ID),
		log.String("task.project", info.Project),
		log.String("task.target", info.Target),
		log.String("task.type", string(info.Type)),
	}

	switch info.Type {
	case EventFailure:
		l.emit(log.SeverityError, "ERROR", info.End, fmt.Sprintf("task %s failed", info.ID), attrs)
	case EventSkipped:
		l.emit(log.SeverityWarn, "WARN", info.End, fmt.Sprintf("task %s skipped", info.ID), attrs)
	}

	if l.slowThreshold > 0 && info.Duration > l.slowThreshold {
		l.emit(log.SeverityWarn, "WARN", info.End, fmt.Sprintf(
			"slow task %s: %s (threshold %s)", info.ID, info.Duration, l.slowThreshold,
		), attrs)
	}
}

func (l *LogObserver) emit(sev log.Severity, text string, ts time.Time, body string, attrs []log.KeyValue) {
	var rec log.Record
	rec.SetSeverity(sev)
	rec.SetSeverityText(text)
	if !ts.IsZero() {
		rec.SetTimestamp(ts)
	}
	rec.SetBody(log.StringValue(body))
	rec.AddAttributes(attrs...)
	l.logger.Emit(context.Background(), rec)
}
