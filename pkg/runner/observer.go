// TaskObserver interface for deriving signals (metrics, logs) from closed task spans.
// Observers receive task metadata after the span ends and before the event is forwarded.
package runner

import "time"

// TaskInfo holds task metadata for signal derivation.
type TaskInfo struct {
	ID       string
	Project  string
	Target   string
	Type     EventType
	Start    time.Time
	End      time.Time
	Duration time.Duration
}

// TaskObserver receives task metadata after each task span is closed.
type TaskObserver interface {
	Observe(info TaskInfo)
}

func newTaskInfo(ev Event, end time.Time) TaskInfo {
	t := ev.Task
	info := TaskInfo{
		ID:      t.ID,
		Project: t.Project,
		Target:  t.Target,
		Type:    ev.Type,
		Start:   t.StartTime,
		End:     end,
	}
	if !t.StartTime.IsZero() && end.After(t.StartTime) {
		info.Duration = end.Sub(t.StartTime)
	}
	return info
}
