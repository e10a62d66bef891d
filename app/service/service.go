// Package service provides the backup scheduler. It polls the schedule store, matches entries against
// the current wall-clock minute, runs due backups and suppresses repeated runs within the same minute.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/backupd/app/backup"
	"github.com/umputun/backupd/app/schedule"
)

//go:generate moq -out mocks/store.go -pkg mocks -skip-ensure -fmt goimports . ScheduleStore
//go:generate moq -out mocks/executor.go -pkg mocks -skip-ensure -fmt goimports . Executor
//go:generate moq -out mocks/recorder.go -pkg mocks -skip-ensure -fmt goimports . Recorder
//go:generate moq -out mocks/notifier.go -pkg mocks -skip-ensure -fmt goimports . Notifier

// DefaultInterval is the default delay between polls
const DefaultInterval = 45 * time.Second

// Scheduler is the top-level service running the poll loop. Single goroutine, all backups run inline
// and block the loop for their full duration.
type Scheduler struct {
	Store         ScheduleStore
	Executor      Executor
	Lifecycle     *Lifecycle
	Interval      time.Duration
	Logger        log.L
	Recorder      Recorder // optional, history of results
	Notifier      Notifier // optional, notifications about results
	NotifyTimeout time.Duration
	Now           func() time.Time

	tracker *Tracker
	state   atomic.Int32
}

// ScheduleStore loads the current list of entries, fresh on each call
type ScheduleStore interface {
	Load() ([]schedule.Entry, error)
	String() string
}

// Executor makes a single backup and reports the result
type Executor interface {
	Execute(source, name string) backup.Result
}

// Recorder keeps history of backup results
type Recorder interface {
	Record(e schedule.Entry, res backup.Result) error
}

// Notifier delivers backup results
type Notifier interface {
	Notify(ctx context.Context, e schedule.Entry, res backup.Result) error
}

// State of the scheduler loop
type State int32

// enum of loop states
const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// Do runs the blocking poll loop until stop is requested via Lifecycle or ctx is canceled.
// Per-job errors never stop the loop. Store failures other than a missing file, as well as panics,
// are fatal: logged once and returned, no restart.
func (s *Scheduler) Do(ctx context.Context) (err error) {
	s.setDefaults()
	stopOnCancel := context.AfterFunc(ctx, func() { s.Lifecycle.RequestStop("context canceled") })
	defer stopOnCancel()

	defer func() {
		if x := recover(); x != nil {
			s.state.Store(int32(StateStopped))
			s.Logger.Logf("[ERROR] backup service crashed, %v", x)
			err = fmt.Errorf("backup service crashed: %v", x)
		}
	}()

	s.state.Store(int32(StateRunning))
	s.Logger.Logf("[INFO] backup service started, schedule %s, poll every %v", s.Store.String(), s.Interval)

	timer := time.NewTimer(s.Interval)
	defer timer.Stop()

	for !s.Lifecycle.StopRequested() {
		if perr := s.poll(ctx, s.Now()); perr != nil {
			s.state.Store(int32(StateStopped))
			s.Logger.Logf("[ERROR] backup service crashed, %v", perr)
			return fmt.Errorf("backup service crashed: %w", perr)
		}

		timer.Reset(s.Interval)
		select {
		case <-s.Lifecycle.Done():
		case <-timer.C:
		}
	}

	s.state.Store(int32(StateStopping))
	s.Logger.Logf("[DEBUG] backup service stopping")
	s.state.Store(int32(StateStopped))
	s.Logger.Logf("[INFO] backup service terminated gracefully")
	return nil
}

// State returns the current state of the loop
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// poll makes a single iteration: rollover, load, match and execute due entries
func (s *Scheduler) poll(ctx context.Context, now time.Time) error {
	minute := now.Format("15:04")
	if s.tracker.Rollover(minute) {
		s.Logger.Logf("[DEBUG] minute %s", minute)
	}

	entries, err := s.Store.Load()
	if err != nil {
		return fmt.Errorf("can't load schedule from %s: %w", s.Store.String(), err)
	}

	for _, e := range entries {
		if e.Time != minute {
			continue
		}
		key := RunKey{Time: e.Time, Path: e.Path, Name: e.Name}
		if !s.tracker.ShouldRun(key, minute) {
			continue
		}

		// missing path is not marked, the entry stays eligible until the minute changes
		if _, err := os.Stat(e.Path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				s.Logger.Logf("[WARN] path %s does not exist, backup %q skipped", e.Path, e.Name)
				continue
			}
			s.Logger.Logf("[WARN] can't access path %s, backup %q skipped, %v", e.Path, e.Name, err)
			continue
		}

		s.Logger.Logf("[DEBUG] backup %q started for %s", e.Name, e.Path)
		res := s.Executor.Execute(e.Path, e.Name)
		if res.Success() {
			s.Logger.Logf("[INFO] backup done for %s in %s (%v)", e.Path, res.Archive, res.Duration())
		} else {
			s.Logger.Logf("[WARN] can't backup %s, %v", e.Path, res.Err)
		}
		s.tracker.MarkRun(key, minute) // failed backup is not retried within the minute
		s.report(ctx, e, res)
	}
	return nil
}

// report passes result to optional recorder and notifier. Failures here are logged only.
func (s *Scheduler) report(ctx context.Context, e schedule.Entry, res backup.Result) {
	if s.Recorder != nil {
		if err := s.Recorder.Record(e, res); err != nil {
			s.Logger.Logf("[WARN] can't record history for %q, %v", e.Name, err)
		}
	}

	if s.Notifier != nil {
		ctxTimeout, cancel := context.WithTimeout(ctx, s.NotifyTimeout)
		defer cancel()
		if err := s.Notifier.Notify(ctxTimeout, e, res); err != nil {
			s.Logger.Logf("[WARN] can't send notification for %q, %v", e.Name, err)
		}
	}
}

func (s *Scheduler) setDefaults() {
	if s.Logger == nil {
		s.Logger = log.Default()
	}
	if s.Lifecycle == nil {
		s.Lifecycle = NewLifecycle(s.Logger)
	}
	if s.Interval <= 0 {
		s.Interval = DefaultInterval
	}
	if s.NotifyTimeout <= 0 {
		s.NotifyTimeout = 10 * time.Second
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.tracker == nil {
		s.tracker = NewTracker()
	}
}
