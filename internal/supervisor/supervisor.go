// Package supervisor keeps one worker instance alive, recreating it with
// exponential backoff whenever it terminates.
package supervisor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"greeter/internal/greeting"
)

// ErrStopped is returned by Ask once the supervisor has shut down.
var ErrStopped = errors.New("supervisor stopped")

var errExited = errors.New("instance exited without error")

// Instance is one lifetime of the supervised worker.
type Instance interface {
	ID() string
	Ask(ctx context.Context, cmd greeting.Command) (any, error)
	// Active is closed once the instance is ready to serve.
	Active() <-chan struct{}
	// Done is closed once the instance has terminated.
	Done() <-chan struct{}
	Err() error
	Stop()
}

// Factory builds a fresh instance with the given id.
type Factory func(ctx context.Context, id string) Instance

// Observer receives lifecycle notifications. Calls happen on the
// supervisor goroutine and must not block for long.
type Observer interface {
	InstanceStarted(id string)
	InstanceActive(id string)
	InstanceFailed(id string, err error, delay time.Duration)
	InstanceStopped(id string)
}

type nopObserver struct{}

func (nopObserver) InstanceStarted(string)                      {}
func (nopObserver) InstanceActive(string)                       {}
func (nopObserver) InstanceFailed(string, error, time.Duration) {}
func (nopObserver) InstanceStopped(string)                      {}

type Config struct {
	Factory    Factory
	Backoff    Backoff
	ResetAfter time.Duration
	Observer   Observer
	Logger     *log.Logger
	// NewID names instances; defaults to random UUIDs.
	NewID func() string
}

// Status is a snapshot for the cluster endpoint.
type Status struct {
	InstanceID string    `json:"instance_id,omitempty"`
	State      string    `json:"state"`
	Restarts   int       `json:"restarts"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	NextDelay  string    `json:"next_delay,omitempty"`
	Since      time.Time `json:"since"`
}

const (
	StateStarting     = "starting"
	StateInitializing = "initializing"
	StateActive       = "active"
	StateBackoff      = "backoff"
	StateStopped      = "stopped"
)

type Supervisor struct {
	cfg     Config
	log     *log.Logger
	backoff Backoff

	mu      sync.Mutex
	current Instance
	ready   chan struct{}
	stopped bool
	status  Status

	done chan struct{}
}

func New(cfg Config) *Supervisor {
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Supervisor{
		cfg:     cfg,
		log:     logger,
		backoff: cfg.Backoff,
		ready:   make(chan struct{}),
		status:  Status{State: StateStarting, Since: time.Now().UTC()},
		done:    make(chan struct{}),
	}
}

// Done is closed when Run has returned.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Status returns a copy of the current lifecycle snapshot.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Ask forwards cmd to the live instance. During a backoff window it waits
// for the next instance or for ctx to expire.
func (s *Supervisor) Ask(ctx context.Context, cmd greeting.Command) (any, error) {
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return nil, ErrStopped
		}
		inst, ready := s.current, s.ready
		s.mu.Unlock()
		if inst != nil {
			return inst.Ask(ctx, cmd)
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Run creates instances until ctx is cancelled. It must be called once.
func (s *Supervisor) Run(ctx context.Context) {
	defer close(s.done)
	defer s.shutdown()
	for {
		id := s.cfg.NewID()
		inst := s.cfg.Factory(ctx, id)
		s.install(inst)
		s.cfg.Observer.InstanceStarted(id)
		s.log.Printf("supervisor: started instance %s", id)

		cancelled, err := s.watch(ctx, inst)
		s.uninstall()
		if cancelled || ctx.Err() != nil {
			inst.Stop()
			s.cfg.Observer.InstanceStopped(id)
			return
		}
		if err == nil {
			err = errExited
		}
		delay := s.backoff.Next()
		s.mu.Lock()
		s.status.State = StateBackoff
		s.status.Attempts++
		s.status.LastError = err.Error()
		s.status.NextDelay = delay.String()
		s.status.Since = time.Now().UTC()
		s.mu.Unlock()
		s.cfg.Observer.InstanceFailed(id, err, delay)
		s.log.Printf("supervisor: instance %s failed: %v; restarting in %s", id, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
		s.mu.Lock()
		s.status.Restarts++
		s.mu.Unlock()
	}
}

// watch blocks until inst terminates or ctx is cancelled.
func (s *Supervisor) watch(ctx context.Context, inst Instance) (cancelled bool, err error) {
	active := inst.Active()
	// The grace period starts once the instance is Active; setup time does
	// not count towards it.
	var reset <-chan time.Time
	for {
		select {
		case <-active:
			active = nil
			if s.cfg.ResetAfter > 0 {
				t := time.NewTimer(s.cfg.ResetAfter)
				defer t.Stop()
				reset = t.C
			}
			s.cfg.Observer.InstanceActive(inst.ID())
			s.mu.Lock()
			s.status.State = StateActive
			s.status.Attempts = 0
			s.status.NextDelay = ""
			s.status.Since = time.Now().UTC()
			s.mu.Unlock()
		case <-reset:
			reset = nil
			s.backoff.Reset()
		case <-inst.Done():
			return false, inst.Err()
		case <-ctx.Done():
			return true, nil
		}
	}
}

func (s *Supervisor) install(inst Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = inst
	close(s.ready)
	s.status.InstanceID = inst.ID()
	s.status.State = StateInitializing
	s.status.Since = time.Now().UTC()
}

func (s *Supervisor) uninstall() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
	s.ready = make(chan struct{})
}

func (s *Supervisor) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.current = nil
	close(s.ready)
	s.status.State = StateStopped
	s.status.InstanceID = ""
	s.status.Since = time.Now().UTC()
}
