package service

import (
	"sync"
	"sync/atomic"

	log "github.com/go-pkgz/lgr"
)

// Lifecycle is a stop flag set by termination signals and observed by the scheduler loop.
// Safe for concurrent use, repeated stop requests collapse to one.
type Lifecycle struct {
	logger    log.L
	once      sync.Once
	done      chan struct{}
	requested atomic.Bool
}

// NewLifecycle makes Lifecycle in running state
func NewLifecycle(l log.L) *Lifecycle {
	if l == nil {
		l = log.Default()
	}
	return &Lifecycle{logger: l, done: make(chan struct{})}
}

// RequestStop asks the loop to stop gracefully. The reason is logged on the first call only.
func (l *Lifecycle) RequestStop(reason string) {
	l.once.Do(func() {
		l.requested.Store(true)
		l.logger.Logf("[INFO] backup service received stop signal, %s", reason)
		close(l.done)
	})
}

// StopRequested returns true once stop was requested
func (l *Lifecycle) StopRequested() bool {
	return l.requested.Load()
}

// Done returns channel closed on stop request
func (l *Lifecycle) Done() <-chan struct{} {
	return l.done
}
