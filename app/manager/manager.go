// Package manager implements control commands of the backup service: start and stop the daemon,
// edit the schedule file and list produced archives. Each outcome is reported with a single log line.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/umputun/backupd/app/schedule"
)

// errors returned by control commands
var (
	ErrAlreadyRunning = errors.New("service already running")
	ErrNotRunning     = errors.New("service not running")
)

// Manager runs control commands
type Manager struct {
	PidFile     string
	Schedules   *schedule.FileStore
	BackupDir   string
	Command     []string      // daemon command line, the current executable with "run" by default
	StopTimeout time.Duration // how long Stop waits for the daemon to exit
	Logger      log.L
	Out         io.Writer // command output, stdout by default
	Now         func() time.Time
}

// Start launches the daemon in background, detached from the current session, and writes its pid
func (m *Manager) Start() error {
	m.setDefaults()
	if pid := m.runningPid(); pid > 0 {
		m.Logger.Logf("[WARN] backup service already running, pid %d", pid)
		return ErrAlreadyRunning
	}

	args := m.Command
	if len(args) == 0 {
		exe, err := os.Executable()
		if err != nil {
			m.Logger.Logf("[ERROR] can't start backup service, %v", err)
			return fmt.Errorf("can't get executable: %w", err)
		}
		args = []string{exe, "run"}
	}

	cmd := exec.Command(args[0], args[1:]...) //nolint:gosec // own executable or configured command
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true} // detach from the current session
	if err := cmd.Start(); err != nil {
		m.Logger.Logf("[ERROR] can't start backup service, %v", err)
		return fmt.Errorf("can't start %s: %w", args[0], err)
	}
	pid := cmd.Process.Pid

	if err := os.WriteFile(m.PidFile, []byte(strconv.Itoa(pid)), 0o600); err != nil {
		m.Logger.Logf("[ERROR] can't write pid file %s, %v", m.PidFile, err)
		_ = cmd.Process.Kill()
		return fmt.Errorf("can't write pid file %s: %w", m.PidFile, err)
	}
	go func() { _ = cmd.Wait() }() // reap if the manager outlives the daemon
	m.Logger.Logf("[INFO] backup service started, pid %d", pid)
	return nil
}

// Stop sends termination signal to the daemon, waits for it to exit and removes pid file
func (m *Manager) Stop(ctx context.Context) error {
	m.setDefaults()
	pid := m.runningPid()
	if pid == 0 {
		m.Logger.Logf("[WARN] backup service not running")
		return ErrNotRunning
	}

	proc, err := process.NewProcessWithContext(ctx, int32(pid)) //nolint:gosec // pid fits int32
	if err != nil {
		m.Logger.Logf("[ERROR] can't stop backup service, %v", err)
		return fmt.Errorf("can't find process %d: %w", pid, err)
	}
	if err = proc.TerminateWithContext(ctx); err != nil {
		m.Logger.Logf("[ERROR] can't stop backup service, %v", err)
		return fmt.Errorf("can't terminate process %d: %w", pid, err)
	}

	delay := 100 * time.Millisecond
	rptr := repeater.New(&strategy.FixedDelay{Repeats: int(m.StopTimeout/delay) + 1, Delay: delay})
	err = rptr.Do(ctx, func() error {
		if alive(ctx, pid) {
			return fmt.Errorf("process %d still running", pid)
		}
		return nil
	})
	if err != nil {
		m.Logger.Logf("[ERROR] can't stop backup service, %v", err)
		return fmt.Errorf("backup service not stopped: %w", err)
	}

	if err = os.Remove(m.PidFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.Logger.Logf("[WARN] can't remove pid file %s, %v", m.PidFile, err)
	}
	m.Logger.Logf("[INFO] backup service stopped, pid %d", pid)
	return nil
}

// Status reports pid of the running daemon, 0 if not running
func (m *Manager) Status() int {
	m.setDefaults()
	pid := m.runningPid()
	if pid == 0 {
		m.Logger.Logf("[INFO] backup service not running")
		_, _ = fmt.Fprintln(m.Out, "not running")
		return 0
	}
	m.Logger.Logf("[INFO] backup service running, pid %d", pid)
	_, _ = fmt.Fprintf(m.Out, "running, pid %d\n", pid)
	return pid
}

// Create validates line and appends it to the schedule file
func (m *Manager) Create(line string) error {
	m.setDefaults()
	e, err := schedule.Parse(line)
	if err == nil {
		err = e.Validate()
	}
	if err != nil {
		m.Logger.Logf("[WARN] malformed schedule %q, %v", line, err)
		return err
	}
	if err = m.Schedules.Append(e); err != nil {
		m.Logger.Logf("[ERROR] can't add schedule %q, %v", line, err)
		return err
	}
	m.Logger.Logf("[INFO] new schedule added: %s", e)
	return nil
}

// List prints all lines of the schedule file with zero-based index, the index is accepted by Delete.
// Valid entries also get the next run time.
func (m *Manager) List() error {
	m.setDefaults()
	lines, err := m.Schedules.Lines()
	if err != nil {
		m.Logger.Logf("[WARN] can't find schedule file %s", m.Schedules.String())
		return err
	}
	m.Logger.Logf("[INFO] show schedules list, %d lines", len(lines))
	now := m.Now()
	for i, l := range lines {
		e, perr := schedule.Parse(l)
		if perr != nil {
			_, _ = fmt.Fprintf(m.Out, "%d: %s\n", i, strings.TrimSpace(l))
			continue
		}
		next, nerr := schedule.Next(e, now)
		if nerr != nil {
			_, _ = fmt.Fprintf(m.Out, "%d: %s\n", i, strings.TrimSpace(l))
			continue
		}
		_, _ = fmt.Fprintf(m.Out, "%d: %s\t(next %s)\n", i, strings.TrimSpace(l), next.Format("2006-01-02 15:04"))
	}
	return nil
}

// Delete removes schedule line by index, as printed by List
func (m *Manager) Delete(index string) error {
	m.setDefaults()
	idx, err := strconv.Atoi(strings.TrimSpace(index))
	if err != nil {
		m.Logger.Logf("[WARN] can't find schedule at index %q", index)
		return fmt.Errorf("invalid index %q: %w", index, err)
	}
	removed, err := m.Schedules.Delete(idx)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			m.Logger.Logf("[WARN] can't find schedule file %s", m.Schedules.String())
			return err
		}
		m.Logger.Logf("[WARN] can't find schedule at index %d, %v", idx, err)
		return err
	}
	m.Logger.Logf("[INFO] schedule at index %d deleted: %s", idx, removed)
	return nil
}

// Backups prints archives in the backup directory with sizes, and free space of the directory's volume
func (m *Manager) Backups() error {
	m.setDefaults()
	files, err := os.ReadDir(m.BackupDir)
	if err != nil {
		m.Logger.Logf("[WARN] can't find backups directory %s", m.BackupDir)
		return err
	}
	m.Logger.Logf("[INFO] show backups list, %d entries", len(files))

	sort.Slice(files, func(i, j int) bool { return files[i].Name() < files[j].Name() })
	for _, f := range files {
		if f.IsDir() || strings.HasPrefix(f.Name(), ".") {
			continue
		}
		fi, err := f.Info()
		if err != nil {
			continue // removed while listing
		}
		_, _ = fmt.Fprintf(m.Out, "%s\t%s\t%s\n", f.Name(), humanize.Bytes(uint64(fi.Size())), //nolint:gosec // size is not negative
			fi.ModTime().Format("2006-01-02 15:04:05"))
	}

	if usage, err := disk.Usage(m.BackupDir); err == nil {
		_, _ = fmt.Fprintf(m.Out, "free %s of %s\n", humanize.Bytes(usage.Free), humanize.Bytes(usage.Total))
	}
	return nil
}

// runningPid returns pid from the pid file if the process is alive. Stale pid file is removed.
func (m *Manager) runningPid() int {
	data, err := os.ReadFile(m.PidFile)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err == nil && pid > 0 && alive(context.Background(), pid) {
		return pid
	}
	m.Logger.Logf("[DEBUG] remove stale pid file %s", m.PidFile)
	if err := os.Remove(m.PidFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.Logger.Logf("[WARN] can't remove pid file %s, %v", m.PidFile, err)
	}
	return 0
}

// alive checks if process exists and not a zombie
func alive(ctx context.Context, pid int) bool {
	ok, err := process.PidExistsWithContext(ctx, int32(pid)) //nolint:gosec // pid fits int32
	if err != nil || !ok {
		return false
	}
	proc, err := process.NewProcessWithContext(ctx, int32(pid)) //nolint:gosec // pid fits int32
	if err != nil {
		return false
	}
	st, err := proc.StatusWithContext(ctx)
	if err != nil {
		return true
	}
	for _, s := range st {
		if s == process.Zombie {
			return false
		}
	}
	return true
}

func (m *Manager) setDefaults() {
	if m.Logger == nil {
		m.Logger = log.Default()
	}
	if m.Out == nil {
		m.Out = os.Stdout
	}
	if m.StopTimeout <= 0 {
		m.StopTimeout = 10 * time.Second
	}
	if m.Now == nil {
		m.Now = time.Now
	}
}
