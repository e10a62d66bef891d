package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	ntf "github.com/go-pkgz/notify"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/backupd/app/backup"
	"github.com/umputun/backupd/app/history"
	"github.com/umputun/backupd/app/manager"
	"github.com/umputun/backupd/app/notify"
	"github.com/umputun/backupd/app/schedule"
	"github.com/umputun/backupd/app/service"
	"github.com/umputun/backupd/app/web"
)

type runOpts struct {
	Interval    time.Duration `long:"interval" env:"BACKUPD_INTERVAL" default:"45s" description:"schedule poll interval"`
	Entry       string        `short:"e" long:"entry" env:"BACKUPD_ENTRY" description:"single schedule entry, path;HH:MM;name"`
	YAML        string        `long:"yaml" env:"BACKUPD_YAML" description:"yaml job list, used instead of schedules file"`
	Compress    bool          `long:"compress" env:"BACKUPD_COMPRESS" description:"gzip archives"`
	History     string        `long:"history" env:"BACKUPD_HISTORY" description:"sqlite file for results history"`
	HistoryKeep int           `long:"history-keep" env:"BACKUPD_HISTORY_KEEP" default:"100" description:"results to keep per backup, 0 keeps all"`

	Notify notifyOpts `group:"notify" namespace:"notify" env-namespace:"BACKUPD_NOTIFY"`

	Web struct {
		Address      string  `long:"address" env:"ADDRESS" description:"status api listen address, disabled if empty"`
		PasswordHash string  `long:"password-hash" env:"PASSWORD_HASH" description:"bcrypt hash for basic auth, user backupd"`
		RateLimit    float64 `long:"rate-limit" env:"RATE_LIMIT" default:"10" description:"max requests per second per ip"`
	} `group:"web" namespace:"web" env-namespace:"BACKUPD_WEB"`
}

type notifyOpts struct {
	EnabledError       bool          `long:"enabled-error" env:"ENABLED_ERROR" description:"notify on failed backups"`
	EnabledCompletion  bool          `long:"enabled-complete" env:"ENABLED_COMPLETE" description:"notify on completed backups"`
	SMTPHost           string        `long:"smtp-host" env:"SMTP_HOST" description:"SMTP host"`
	SMTPPort           int           `long:"smtp-port" env:"SMTP_PORT" default:"25" description:"SMTP port"`
	SMTPUsername       string        `long:"smtp-username" env:"SMTP_USERNAME" description:"SMTP user name"`
	SMTPPassword       string        `long:"smtp-password" env:"SMTP_PASSWORD" description:"SMTP password"`
	SMTPTLS            bool          `long:"smtp-tls" env:"SMTP_TLS" description:"enable SMTP TLS"`
	TimeOut            time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"delivery timeout"`
	FromEmail          string        `long:"from" env:"FROM" description:"SMTP from email"`
	ToEmails           []string      `long:"to" env:"TO" env-delim:"," description:"SMTP to email(s)"`
	Webhooks           []string      `long:"webhook" env:"WEBHOOK" env-delim:"," description:"webhook url(s)"`
	HostName           string        `long:"host" env:"HOSTNAME" description:"host name shown in messages"`
	ErrorTemplate      string        `long:"err-template" env:"ERR_TEMPLATE" description:"custom template file for failures"`
	CompletionTemplate string        `long:"complete-template" env:"COMPLETE_TEMPLATE" description:"custom template file for completions"`
}

var opts struct {
	Schedules string `short:"f" long:"schedules" env:"BACKUPD_SCHEDULES" default:"backup_schedules.txt" description:"schedules file"`
	BackupDir string `short:"b" long:"backup-dir" env:"BACKUPD_BACKUP_DIR" default:"./backups" description:"archives directory"`
	LogDir    string `long:"log-dir" env:"BACKUPD_LOG_DIR" default:"./logs" description:"logs directory"`
	PidFile   string `long:"pid" env:"BACKUPD_PID" default:"./backup_service.pid" description:"pid file of the service"`
	Dbg       bool   `long:"dbg" env:"BACKUPD_DEBUG" description:"debug mode, also logs to stdout"`

	Log struct {
		MaxSize    int  `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log file size in megabytes"`
		MaxBackups int  `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of rotated files"`
		MaxAge     int  `long:"max-age" env:"MAX_AGE" default:"0" description:"max age of rotated files in days"`
		Compress   bool `long:"compress" env:"COMPRESS" description:"compress rotated files"`
	} `group:"log" namespace:"log" env-namespace:"BACKUPD_LOG"`

	Run   runOpts  `command:"run" description:"run backup service in foreground"`
	Start runOpts  `command:"start" description:"start backup service in background"`
	Stop  struct{} `command:"stop" description:"stop backup service"`
	State struct{} `command:"status" description:"show backup service status"`

	Create struct {
		Args struct {
			Line string `positional-arg-name:"path;HH:MM;name"`
		} `positional-args:"yes" required:"yes"`
	} `command:"create" description:"add schedule"`

	List struct{} `command:"list" description:"list schedules with index"`

	Delete struct {
		Args struct {
			Index string `positional-arg-name:"index"`
		} `positional-args:"yes" required:"yes"`
	} `command:"delete" description:"delete schedule by index"`

	Backups struct{} `command:"backups" description:"list archives"`

	History struct {
		DB    string `long:"db" env:"BACKUPD_HISTORY" default:"backupd.db" description:"sqlite history file"`
		Name  string `long:"name" description:"show only this backup"`
		Limit int    `long:"limit" default:"20" description:"max records"`
	} `command:"history" description:"show results history"`
}

var revision = "unknown"

const (
	serviceLog = "backup_service.log"
	managerLog = "backup_manager.log"
)

func main() {
	p := flags.NewParser(&opts, flags.Default)
	if _, err := p.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}
	cmd := p.Active.Name

	logName := managerLog
	if cmd == "run" {
		logName = serviceLog
	}
	dirErr := ensureDirs(opts.LogDir, opts.BackupDir)
	logOut := setupLogs(filepath.Join(opts.LogDir, logName), cmd == "run", opts.Dbg)
	defer logOut.Close() //nolint:errcheck // nothing to do on close error of the log
	if dirErr != nil {
		log.Printf("[ERROR] failed to create directories, %v", dirErr)
	}

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	if err := execute(context.Background(), cmd); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		_ = logOut.Close()
		os.Exit(1)
	}
}

// execute runs the command selected on the command line
func execute(ctx context.Context, cmd string) error {
	switch cmd {
	case "run":
		return runService(ctx, opts.Run)
	case "history":
		return showHistory(os.Stdout)
	}

	mgr := makeManager()
	switch cmd {
	case "start":
		return mgr.Start()
	case "stop":
		return mgr.Stop(ctx)
	case "status":
		mgr.Status()
		return nil
	case "create":
		return mgr.Create(opts.Create.Args.Line)
	case "list":
		return mgr.List()
	case "delete":
		return mgr.Delete(opts.Delete.Args.Index)
	case "backups":
		return mgr.Backups()
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// runService runs the scheduler loop in foreground until stop signal. Returns error only if the loop crashed.
func runService(ctx context.Context, ro runOpts) error {
	log.Printf("[INFO] backupd %s", revision)
	if ro.Entry != "" {
		if _, err := schedule.Parse(ro.Entry); err != nil {
			log.Printf("[ERROR] invalid entry, %v", err)
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lifecycle := service.NewLifecycle(log.Default())
	signals(lifecycle.RequestStop) // SIGTERM and SIGINT stop, SIGQUIT dumps stacks

	store := makeStore(ro, log.Default())
	executor := &backup.Executor{Dir: opts.BackupDir, Compress: ro.Compress}
	sched := &service.Scheduler{
		Store:         store,
		Executor:      executor,
		Lifecycle:     lifecycle,
		Interval:      ro.Interval,
		Logger:        log.Default(),
		NotifyTimeout: ro.Notify.TimeOut,
	}

	var hist *history.SQLiteStore
	if ro.History != "" {
		h, err := history.NewSQLiteStore(ro.History)
		if err != nil {
			log.Printf("[WARN] history disabled, %v", err)
		} else {
			hist = h
			hist.Keep = ro.HistoryKeep
			defer hist.Close() //nolint:errcheck // read-only after the loop ends
			if ro.HistoryKeep > 0 {
				if n, err := hist.Cleanup(ro.HistoryKeep); err == nil && n > 0 {
					log.Printf("[DEBUG] removed %d old history records", n)
				}
			}
			sched.Recorder = hist
		}
	}

	if n := makeNotifier(ro.Notify); n != nil {
		sched.Notifier = n
	}

	if ro.Web.Address != "" {
		// status requests re-read the schedule, diagnostics about its lines come from the poll loop only
		cfg := web.Config{Store: makeStore(ro, log.NoOp), Scheduler: sched, Archives: executor, Hostname: makeHostName(ro.Notify.HostName),
			Version: revision, PasswordHash: ro.Web.PasswordHash, RateLimit: ro.Web.RateLimit}
		if hist != nil {
			cfg.History = hist
		}
		srv, err := web.New(cfg)
		if err != nil {
			return fmt.Errorf("can't make status server: %w", err)
		}
		go func() {
			if err := srv.Run(ctx, ro.Web.Address); err != nil {
				log.Printf("[WARN] status server stopped, %v", err)
			}
		}()
	}

	return sched.Do(ctx)
}

// makeStore returns schedule store selected by options, l gets diagnostics about skipped lines
func makeStore(ro runOpts, l log.L) service.ScheduleStore {
	switch {
	case ro.Entry != "":
		return schedule.Single{Line: ro.Entry}
	case ro.YAML != "":
		return schedule.NewYAMLStore(ro.YAML, l)
	default:
		return schedule.NewFileStore(opts.Schedules, l)
	}
}

func makeManager() *manager.Manager {
	mgr := &manager.Manager{
		PidFile:   opts.PidFile,
		Schedules: schedule.NewFileStore(opts.Schedules, log.Default()),
		BackupDir: opts.BackupDir,
		Logger:    log.Default(),
		Out:       os.Stdout,
	}
	if exe, err := os.Executable(); err == nil {
		mgr.Command = append([]string{exe}, startArgs(os.Args[1:])...)
	}
	return mgr
}

// startArgs replaces "start" command with "run", keeping all global and command options
func startArgs(args []string) []string {
	res := make([]string, 0, len(args))
	replaced := false
	for _, a := range args {
		if !replaced && a == "start" {
			res = append(res, "run")
			replaced = true
			continue
		}
		res = append(res, a)
	}
	if !replaced {
		res = append(res, "run")
	}
	return res
}

func showHistory(out io.Writer) error {
	hist, err := history.NewSQLiteStore(opts.History.DB)
	if err != nil {
		log.Printf("[WARN] can't open history %s, %v", opts.History.DB, err)
		return err
	}
	defer hist.Close() //nolint:errcheck // read only

	recs, err := hist.List(opts.History.Name, opts.History.Limit)
	if err != nil {
		log.Printf("[WARN] can't read history %s, %v", opts.History.DB, err)
		return err
	}
	log.Printf("[INFO] show history, %d records", len(recs))
	for _, r := range recs {
		details := r.Archive
		if r.Status == history.StatusFailed {
			details = r.Error
		}
		_, _ = fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%v\t%s\n", r.StartedAt.Format("2006-01-02 15:04:05"), r.Name,
			r.Status, r.Source, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond), details)
	}
	return nil
}

// makeNotifier returns nil if notifications disabled or no destinations set
func makeNotifier(no notifyOpts) service.Notifier {
	if !no.EnabledError && !no.EnabledCompletion {
		return nil
	}
	from := no.FromEmail
	if from == "" {
		from = "backupd@" + makeHostName(no.HostName)
	}
	svc := notify.NewService(
		notify.Params{
			EnabledError:       no.EnabledError,
			EnabledCompletion:  no.EnabledCompletion,
			Host:               makeHostName(no.HostName),
			ErrorTemplate:      no.ErrorTemplate,
			CompletionTemplate: no.CompletionTemplate,
		},
		notify.SendersParams{
			SMTPParams: ntf.SMTPParams{
				Host:        no.SMTPHost,
				Port:        no.SMTPPort,
				TLS:         no.SMTPTLS,
				Username:    no.SMTPUsername,
				Password:    no.SMTPPassword,
				TimeOut:     no.TimeOut,
				ContentType: "text/html",
				Charset:     "UTF-8",
			},
			FromEmail:   from,
			ToEmails:    no.ToEmails,
			WebhookURLs: no.Webhooks,
		})
	if svc == nil {
		log.Printf("[WARN] notifications enabled, but no destinations set")
		return nil
	}
	return svc
}

func makeHostName(name string) string {
	if name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

func ensureDirs(dirs ...string) error {
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return fmt.Errorf("can't make %s: %w", d, err)
		}
	}
	return nil
}

// setupLogs directs logs to rotated file, and also to stdout if console is set or in debug mode
func setupLogs(fname string, console, dbg bool) io.WriteCloser {
	lj := &lumberjack.Logger{
		Filename:   fname,
		MaxSize:    opts.Log.MaxSize,
		MaxBackups: opts.Log.MaxBackups,
		MaxAge:     opts.Log.MaxAge,
		Compress:   opts.Log.Compress,
		LocalTime:  true,
	}
	var out io.Writer = lj
	if console || dbg {
		out = io.MultiWriter(os.Stdout, lj)
	}
	if dbg {
		log.Setup(log.Out(out), log.Err(out), log.Debug, log.Msec, log.CallerFunc, log.CallerPkg)
		return lj
	}
	log.Setup(log.Out(out), log.Err(out), log.Msec)
	return lj
}

// signals calls stop on SIGTERM and SIGINT, prints stack traces on SIGQUIT
func signals(stop func(reason string)) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT {
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			stop(strings.ToLower(sig.String()))
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
