package service

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/backupd/app/backup"
	"github.com/umputun/backupd/app/schedule"
	"github.com/umputun/backupd/app/service/mocks"
)

// logCollector collects formatted log lines
type logCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *logCollector) logger() log.L {
	return log.Func(func(format string, args ...any) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.lines = append(c.lines, fmt.Sprintf(format, args...))
	})
}

func (c *logCollector) count(substr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := 0
	for _, l := range c.lines {
		if strings.Contains(l, substr) {
			res++
		}
	}
	return res
}

func at(hh, mm, ss int) time.Time {
	return time.Date(2026, 10, 19, hh, mm, ss, 0, time.Local)
}

func entriesStore(entries ...schedule.Entry) *mocks.ScheduleStoreMock {
	return &mocks.ScheduleStoreMock{
		LoadFunc:   func() ([]schedule.Entry, error) { return entries, nil },
		StringFunc: func() string { return "mock-store" },
	}
}

func okExecutor() *mocks.ExecutorMock {
	return &mocks.ExecutorMock{ExecuteFunc: func(source, name string) backup.Result {
		return backup.Result{Source: source, Archive: "/backups/" + name + ".tar"}
	}}
}

func tarNames(t *testing.T, fname string) []string {
	t.Helper()
	fh, err := os.Open(fname) //nolint:gosec // test file
	require.NoError(t, err)
	defer fh.Close()
	res := []string{}
	tr := tar.NewReader(fh)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		res = append(res, hdr.Name)
	}
	return res
}

func TestScheduler_pollScenario(t *testing.T) {
	tmp := t.TempDir()
	data := filepath.Join(tmp, "data")
	require.NoError(t, os.MkdirAll(data, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(data, "file.txt"), []byte("content"), 0o600))
	missing := filepath.Join(tmp, "missing")
	backupDir := filepath.Join(tmp, "backups")
	require.NoError(t, os.MkdirAll(backupDir, 0o750))

	schedFile := filepath.Join(tmp, "backup_schedules.txt")
	require.NoError(t, os.WriteFile(schedFile, []byte(fmt.Sprintf("%s;14:30;daily\n%s;14:30;x\n", data, missing)), 0o600))

	lc := &logCollector{}
	ex := &backup.Executor{Dir: backupDir}
	exMock := &mocks.ExecutorMock{ExecuteFunc: ex.Execute}
	svc := Scheduler{Store: schedule.NewFileStore(schedFile, lc.logger()), Executor: exMock, Logger: lc.logger()}
	svc.setDefaults()

	require.NoError(t, svc.poll(context.Background(), at(14, 30, 5)))
	require.Len(t, exMock.ExecuteCalls(), 1)
	assert.Equal(t, data, exMock.ExecuteCalls()[0].Source)
	assert.Equal(t, "daily", exMock.ExecuteCalls()[0].Name)

	assert.Equal(t, []string{"data/", "data/file.txt"}, tarNames(t, filepath.Join(backupDir, "daily.tar")))
	_, err := os.Stat(filepath.Join(backupDir, "x.tar"))
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, 1, lc.count("backup done"))
	assert.Equal(t, 1, lc.count("does not exist"))

	// second poll within the same minute
	require.NoError(t, svc.poll(context.Background(), at(14, 30, 50)))
	assert.Len(t, exMock.ExecuteCalls(), 1, "no additional archive in the same minute")
	assert.Equal(t, 1, lc.count("backup done"))
	assert.Equal(t, 2, lc.count("does not exist"), "missing path stays eligible")

	files, err := os.ReadDir(backupDir)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestScheduler_pollMissingPathAppearsWithinMinute(t *testing.T) {
	src := filepath.Join(t.TempDir(), "late")
	exMock := okExecutor()
	lc := &logCollector{}
	svc := Scheduler{Store: entriesStore(schedule.Entry{Path: src, Time: "09:00", Name: "late"}),
		Executor: exMock, Logger: lc.logger()}
	svc.setDefaults()

	require.NoError(t, svc.poll(context.Background(), at(9, 0, 0)))
	assert.Empty(t, exMock.ExecuteCalls())
	assert.Equal(t, 0, svc.tracker.Len(), "not marked")

	require.NoError(t, os.MkdirAll(src, 0o750))
	require.NoError(t, svc.poll(context.Background(), at(9, 0, 45)))
	assert.Len(t, exMock.ExecuteCalls(), 1, "fires once the path shows up within the minute")
	assert.Equal(t, 1, lc.count("does not exist"))
}

func TestScheduler_pollFailedMarked(t *testing.T) {
	exMock := &mocks.ExecutorMock{ExecuteFunc: func(source, name string) backup.Result {
		return backup.Result{Source: source, Err: fmt.Errorf("can't archive %s: %w", source, os.ErrPermission)}
	}}
	lc := &logCollector{}
	svc := Scheduler{Store: entriesStore(schedule.Entry{Path: t.TempDir(), Time: "09:00", Name: "n"}),
		Executor: exMock, Logger: lc.logger()}
	svc.setDefaults()

	require.NoError(t, svc.poll(context.Background(), at(9, 0, 0)))
	require.NoError(t, svc.poll(context.Background(), at(9, 0, 30)))
	assert.Len(t, exMock.ExecuteCalls(), 1, "failed backup not retried within the minute")
	assert.Equal(t, 1, lc.count("[WARN] can't backup"))
	assert.Equal(t, 1, lc.count("permission denied"))
	assert.Equal(t, 0, lc.count("backup done"))
}

func TestScheduler_pollRollover(t *testing.T) {
	exMock := okExecutor()
	svc := Scheduler{Store: entriesStore(
		schedule.Entry{Path: t.TempDir(), Time: "09:00", Name: "morning"},
		schedule.Entry{Path: t.TempDir(), Time: "09:01", Name: "later"},
	), Executor: exMock, Logger: log.NoOp}
	svc.setDefaults()

	require.NoError(t, svc.poll(context.Background(), at(9, 0, 10)))
	require.Len(t, exMock.ExecuteCalls(), 1)
	assert.Equal(t, "morning", exMock.ExecuteCalls()[0].Name)

	require.NoError(t, svc.poll(context.Background(), at(9, 1, 0)))
	require.Len(t, exMock.ExecuteCalls(), 2)
	assert.Equal(t, "later", exMock.ExecuteCalls()[1].Name)
	assert.Equal(t, 1, svc.tracker.Len(), "previous minute dropped")

	require.NoError(t, svc.poll(context.Background(), at(9, 2, 0)))
	assert.Len(t, exMock.ExecuteCalls(), 2, "nothing due")

	next := time.Date(2026, 10, 20, 9, 0, 3, 0, time.Local)
	require.NoError(t, svc.poll(context.Background(), next))
	assert.Len(t, exMock.ExecuteCalls(), 3, "due again next day")
}

func TestScheduler_pollSameJobDifferentNames(t *testing.T) {
	dir := t.TempDir()
	exMock := okExecutor()
	svc := Scheduler{Store: entriesStore(
		schedule.Entry{Path: dir, Time: "09:00", Name: "a"},
		schedule.Entry{Path: dir, Time: "09:00", Name: "b"},
		schedule.Entry{Path: dir, Time: "09:00", Name: "a"}, // exact duplicate line
	), Executor: exMock, Logger: log.NoOp}
	svc.setDefaults()

	require.NoError(t, svc.poll(context.Background(), at(9, 0, 0)))
	assert.Len(t, exMock.ExecuteCalls(), 2, "duplicate entry runs once per minute")
}

func TestScheduler_pollReport(t *testing.T) {
	dir := t.TempDir()
	rec := &mocks.RecorderMock{RecordFunc: func(schedule.Entry, backup.Result) error { return errors.New("db locked") }}
	notif := &mocks.NotifierMock{NotifyFunc: func(ctx context.Context, _ schedule.Entry, _ backup.Result) error {
		_, ok := ctx.Deadline()
		if !ok {
			return errors.New("no deadline")
		}
		return errors.New("smtp down")
	}}
	lc := &logCollector{}
	svc := Scheduler{Store: entriesStore(schedule.Entry{Path: dir, Time: "09:00", Name: "n"}),
		Executor: okExecutor(), Logger: lc.logger(), Recorder: rec, Notifier: notif, NotifyTimeout: time.Second}
	svc.setDefaults()

	require.NoError(t, svc.poll(context.Background(), at(9, 0, 0)))
	require.Len(t, rec.RecordCalls(), 1)
	assert.Equal(t, "n", rec.RecordCalls()[0].E.Name)
	assert.True(t, rec.RecordCalls()[0].Res.Success())
	require.Len(t, notif.NotifyCalls(), 1)
	assert.Equal(t, 1, lc.count("can't record history"))
	assert.Equal(t, 1, lc.count("smtp down"), "notifier got context with deadline")
	assert.Equal(t, 1, lc.count("backup done"))
}

func TestScheduler_pollStoreError(t *testing.T) {
	store := &mocks.ScheduleStoreMock{
		LoadFunc:   func() ([]schedule.Entry, error) { return nil, os.ErrPermission },
		StringFunc: func() string { return "mock-store" },
	}
	svc := Scheduler{Store: store, Executor: okExecutor(), Logger: log.NoOp}
	svc.setDefaults()
	err := svc.poll(context.Background(), at(9, 0, 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrPermission)
}

func TestScheduler_Do(t *testing.T) {
	store := entriesStore(schedule.Entry{Path: t.TempDir(), Time: "09:00", Name: "n"})
	exMock := okExecutor()
	lc := &logCollector{}
	lf := NewLifecycle(lc.logger())
	svc := &Scheduler{Store: store, Executor: exMock, Lifecycle: lf, Interval: 5 * time.Millisecond,
		Logger: lc.logger(), Now: func() time.Time { return at(9, 0, 1) }}

	done := make(chan error, 1)
	go func() { done <- svc.Do(context.Background()) }()

	require.Eventually(t, func() bool { return len(store.LoadCalls()) >= 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRunning, svc.State())
	lf.RequestStop("SIGTERM")
	lf.RequestStop("SIGINT")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler not stopped")
	}
	assert.Len(t, exMock.ExecuteCalls(), 1, "single run within the minute")
	assert.Equal(t, StateStopped, svc.State())
	assert.Equal(t, 1, lc.count("received stop signal"))
	assert.Equal(t, 1, lc.count("terminated gracefully"))
}

func TestScheduler_DoStopInterruptsSleep(t *testing.T) {
	store := entriesStore()
	lf := NewLifecycle(log.NoOp)
	svc := &Scheduler{Store: store, Executor: okExecutor(), Lifecycle: lf, Interval: time.Hour, Logger: log.NoOp}

	done := make(chan error, 1)
	go func() { done <- svc.Do(context.Background()) }()
	require.Eventually(t, func() bool { return len(store.LoadCalls()) == 1 }, time.Second, time.Millisecond)

	st := time.Now()
	lf.RequestStop("test")
	select {
	case err := <-done:
		require.NoError(t, err)
		assert.Less(t, time.Since(st), 500*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("sleep not interrupted")
	}
	assert.Len(t, store.LoadCalls(), 1)
}

func TestScheduler_DoContextCanceled(t *testing.T) {
	lc := &logCollector{}
	svc := &Scheduler{Store: entriesStore(), Executor: okExecutor(), Interval: time.Hour, Logger: lc.logger()}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, svc.Do(ctx))
	assert.Equal(t, StateStopped, svc.State())
	assert.Equal(t, 1, lc.count("context canceled"))
	assert.Equal(t, 1, lc.count("terminated gracefully"))
}

func TestScheduler_DoAlreadyStopped(t *testing.T) {
	store := entriesStore()
	lf := NewLifecycle(log.NoOp)
	lf.RequestStop("early")
	svc := &Scheduler{Store: store, Executor: okExecutor(), Lifecycle: lf, Logger: log.NoOp}
	require.NoError(t, svc.Do(context.Background()))
	assert.Empty(t, store.LoadCalls(), "stop flag checked at the loop top")
}

func TestScheduler_DoStoreFailure(t *testing.T) {
	store := &mocks.ScheduleStoreMock{
		LoadFunc:   func() ([]schedule.Entry, error) { return nil, errors.New("read failed") },
		StringFunc: func() string { return "mock-store" },
	}
	lc := &logCollector{}
	svc := &Scheduler{Store: store, Executor: okExecutor(), Interval: time.Millisecond, Logger: lc.logger()}

	err := svc.Do(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read failed")
	assert.Len(t, store.LoadCalls(), 1, "no restart")
	assert.Equal(t, StateStopped, svc.State())
	assert.Equal(t, 1, lc.count("[ERROR] backup service crashed"))
	assert.Equal(t, 0, lc.count("terminated gracefully"))
}

func TestScheduler_DoPanic(t *testing.T) {
	exMock := &mocks.ExecutorMock{ExecuteFunc: func(string, string) backup.Result { panic("boom") }}
	lc := &logCollector{}
	svc := &Scheduler{Store: entriesStore(schedule.Entry{Path: t.TempDir(), Time: "09:00", Name: "n"}),
		Executor: exMock, Interval: time.Millisecond, Logger: lc.logger(), Now: func() time.Time { return at(9, 0, 0) }}

	err := svc.Do(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, StateStopped, svc.State())
	assert.Equal(t, 1, lc.count("[ERROR] backup service crashed"))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "stopped", StateStopped.String())
}
