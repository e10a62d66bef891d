package service

import "time"

// RunKey identifies a job execution within the trigger minute
type RunKey struct {
	Time string
	Path string
	Name string
}

func (k RunKey) String() string {
	return k.Time + "|" + k.Path + "|" + k.Name
}

// Tracker keeps keys of jobs already executed during the current minute. The whole set is dropped
// when the minute changes. In-memory only, restart re-arms all schedules. Not thread safe, owned by the loop.
type Tracker struct {
	minute   string
	executed map[RunKey]time.Time
}

// NewTracker makes empty Tracker
func NewTracker() *Tracker {
	return &Tracker{executed: make(map[RunKey]time.Time)}
}

// Rollover clears executed set if minute differs from the current one, returns true if cleared
func (t *Tracker) Rollover(minute string) bool {
	if t.executed == nil {
		t.executed = make(map[RunKey]time.Time)
	}
	if minute == t.minute {
		return false
	}
	t.minute = minute
	clear(t.executed)
	return true
}

// ShouldRun returns true if key was not executed during the minute
func (t *Tracker) ShouldRun(key RunKey, minute string) bool {
	if minute != t.minute {
		return true
	}
	_, found := t.executed[key]
	return !found
}

// MarkRun registers key as executed during the minute
func (t *Tracker) MarkRun(key RunKey, minute string) {
	t.Rollover(minute)
	t.executed[key] = time.Now()
}

// Minute returns the current minute
func (t *Tracker) Minute() string { return t.minute }

// Len returns number of keys executed during the current minute
func (t *Tracker) Len() int { return len(t.executed) }
