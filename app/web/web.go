// Package web implements read-only status API of the backup service
package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/umputun/backupd/app/history"
	"github.com/umputun/backupd/app/schedule"
	"github.com/umputun/backupd/app/service"
)

// Server represents the status web server
type Server struct {
	store        ScheduleStore
	history      HistoryReader
	scheduler    StateProvider
	archives     ArchiveLocator
	hostname     string
	version      string
	passwordHash string // bcrypt hash for basic auth
	rateLimit    float64
	now          func() time.Time
}

// Config holds server configuration
type Config struct {
	Store        ScheduleStore  // required
	History      HistoryReader  // optional, history endpoint returns 404 without it
	Scheduler    StateProvider  // optional
	Archives     ArchiveLocator // optional
	Hostname     string
	Version      string
	PasswordHash string  // bcrypt hash for basic auth (empty to disable)
	RateLimit    float64 // max requests per second from a single ip, 10 by default
}

// ScheduleStore loads current schedule entries
type ScheduleStore interface {
	Load() ([]schedule.Entry, error)
	String() string
}

// HistoryReader returns recorded executions
type HistoryReader interface {
	List(name string, limit int) ([]history.Record, error)
}

// StateProvider reports state of the scheduler loop
type StateProvider interface {
	State() service.State
}

// ArchiveLocator maps backup name to archive location
type ArchiveLocator interface {
	ArchivePath(name string) string
}

// New makes status server
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("web server initialization failed: schedule store is required")
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	return &Server{
		store:        cfg.Store,
		history:      cfg.History,
		scheduler:    cfg.Scheduler,
		archives:     cfg.Archives,
		hostname:     cfg.Hostname,
		version:      cfg.Version,
		passwordHash: cfg.PasswordHash,
		rateLimit:    cfg.RateLimit,
		now:          time.Now,
	}, nil
}

// Run starts the web server and blocks until ctx canceled
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting status server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	lmt := tollbooth.NewLimiter(s.rateLimit, nil)
	lmt.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr"})

	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(100),
		rest.AppInfo("backupd", "umputun", s.version),
		rest.Ping,
		rest.SizeLimit(16*1024),
		tollbooth.HTTPMiddleware(lmt),
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	if s.passwordHash != "" {
		log.Printf("[INFO] authentication enabled for status api")
		router.Use(s.authMiddleware)
	}

	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)
		api.HandleFunc("GET /status", s.handleAPIStatus)
		api.HandleFunc("GET /history", s.handleAPIHistory)
	})

	return router
}
