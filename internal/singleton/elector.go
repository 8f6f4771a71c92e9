// Package singleton keeps exactly one greeting instance alive across all
// nodes that share a coordination database, and routes every request to it.
package singleton

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"greeter/internal/domain"
	"greeter/internal/repo"
)

// Elector decides which node hosts the singleton.
type Elector interface {
	// Run starts campaigning. The channel reports leadership transitions
	// (true on gain, false on loss) and is closed when ctx is done.
	Run(ctx context.Context) <-chan bool
	// Leader returns the current lease holder as last observed.
	Leader() (domain.Member, bool)
	// Resign gives the lease up and stops further campaigning.
	Resign(ctx context.Context) error
}

// LeaseObserver is notified on leadership changes of this node.
type LeaseObserver interface {
	LeaseAcquired(lease domain.Lease)
	LeaseLost(lease domain.Lease)
}

type SQLElectorConfig struct {
	Repo          repo.Repo
	Self          domain.Member
	LeaseName     string
	LeaseDuration time.Duration
	RenewInterval time.Duration
	Observer      LeaseObserver
	Logger        *log.Logger
	Now           func() time.Time
}

// SQLElector campaigns for a lease row with conditional updates. Each tick
// it heartbeats its membership row and refreshes the cached leader.
type SQLElector struct {
	cfg SQLElectorConfig
	log *log.Logger

	// tickMu serialises ticks with Resign.
	tickMu    sync.Mutex
	resigned  bool
	leading   bool
	lastRenew time.Time

	mu    sync.RWMutex
	lease domain.Lease
	until time.Time
}

func NewSQLElector(cfg SQLElectorConfig) *SQLElector {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &SQLElector{cfg: cfg, log: logger}
}

func (e *SQLElector) Run(ctx context.Context) <-chan bool {
	ch := make(chan bool, 1)
	go e.loop(ctx, ch)
	return ch
}

func (e *SQLElector) loop(ctx context.Context, ch chan<- bool) {
	defer close(ch)
	ticker := time.NewTicker(e.cfg.RenewInterval)
	defer ticker.Stop()
	for {
		if change, ok := e.tick(ctx); ok {
			select {
			case ch <- change:
			case <-ctx.Done():
				return
			}
		}
		// A leader also wakes at its step-down point so it never relies on
		// tick alignment to give up before the lease expires.
		var stepDown <-chan time.Time
		var timer *time.Timer
		if at, ok := e.stepDownAt(); ok {
			timer = time.NewTimer(at.Sub(e.cfg.Now()))
			stepDown = timer.C
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
		case <-stepDown:
		}
		if timer != nil {
			timer.Stop()
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// stepDownAt is when a leader that has not renewed since must give up.
func (e *SQLElector) stepDownAt() (time.Time, bool) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	if !e.leading {
		return time.Time{}, false
	}
	return e.deadlineLocked(), true
}

func (e *SQLElector) deadlineLocked() time.Time {
	return e.lastRenew.Add(e.cfg.LeaseDuration - e.cfg.RenewInterval)
}

// tick runs one campaign round and reports a leadership transition, if any.
func (e *SQLElector) tick(ctx context.Context) (bool, bool) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	if e.resigned || ctx.Err() != nil {
		return false, false
	}
	now := e.cfg.Now()
	self := e.cfg.Self
	opCtx := ctx
	if e.leading {
		// A renewal that cannot finish before the step-down point is a failure.
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, e.deadlineLocked().Sub(now))
		defer cancel()
	}
	if err := e.cfg.Repo.HeartbeatMember(opCtx, self.ID, self.Addr, now); err != nil && ctx.Err() == nil {
		e.log.Printf("elector[%s]: heartbeat: %v", self.ID, err)
	}
	lease, held, err := e.cfg.Repo.TryAcquireLease(opCtx, e.cfg.LeaseName, self.ID, self.Addr, now, e.cfg.LeaseDuration)
	if err != nil {
		if ctx.Err() == nil {
			e.log.Printf("elector[%s]: campaign: %v", self.ID, err)
		}
		if e.leading && !e.cfg.Now().Before(e.deadlineLocked()) {
			e.log.Printf("elector[%s]: could not renew lease since %s, stepping down", self.ID, e.lastRenew.Format(time.RFC3339))
			lost := e.currentLease()
			e.leading = false
			e.setLease(domain.Lease{Name: e.cfg.LeaseName}, time.Time{})
			e.notifyLost(lost)
			return false, true
		}
		return false, false
	}
	if held {
		e.lastRenew = now
		e.setLease(lease, now.Add(e.cfg.LeaseDuration))
		if !e.leading {
			e.leading = true
			e.log.Printf("elector[%s]: acquired lease %s (epoch %d)", self.ID, lease.Name, lease.Epoch)
			if e.cfg.Observer != nil {
				e.cfg.Observer.LeaseAcquired(lease)
			}
			return true, true
		}
		return false, false
	}
	var until time.Time
	if lease.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lease.ExpiresAt); err == nil {
			until = t
		}
	}
	prev := e.currentLease()
	e.setLease(lease, until)
	if e.leading {
		e.leading = false
		e.log.Printf("elector[%s]: lease %s taken by %s", self.ID, lease.Name, lease.HolderID)
		e.notifyLost(prev)
		return false, true
	}
	return false, false
}

func (e *SQLElector) notifyLost(lease domain.Lease) {
	if e.cfg.Observer != nil {
		e.cfg.Observer.LeaseLost(lease)
	}
}

func (e *SQLElector) setLease(lease domain.Lease, until time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lease = lease
	e.until = until
}

func (e *SQLElector) currentLease() domain.Lease {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lease
}

// Lease returns the last observed lease row.
func (e *SQLElector) Lease() domain.Lease {
	e.mu.RLock()
	defer e.mu.RUnlock()
	l := e.lease
	l.Valid = l.HolderID != "" && e.cfg.Now().Before(e.until)
	return l
}

func (e *SQLElector) Leader() (domain.Member, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lease.HolderID == "" || !e.cfg.Now().Before(e.until) {
		return domain.Member{}, false
	}
	return domain.Member{ID: e.lease.HolderID, Addr: e.lease.HolderAddr, Live: true}, true
}

func (e *SQLElector) Resign(ctx context.Context) error {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	if e.resigned {
		return nil
	}
	e.resigned = true
	wasLeading := e.leading
	lost := e.currentLease()
	e.leading = false
	e.setLease(domain.Lease{Name: e.cfg.LeaseName}, time.Time{})
	err := e.cfg.Repo.ReleaseLease(ctx, e.cfg.LeaseName, e.cfg.Self.ID)
	if derr := e.cfg.Repo.DeleteMember(ctx, e.cfg.Self.ID); derr != nil && !errors.Is(derr, repo.ErrNotFound) && err == nil {
		err = derr
	}
	if wasLeading {
		e.log.Printf("elector[%s]: resigned lease %s", e.cfg.Self.ID, e.cfg.LeaseName)
		e.notifyLost(lost)
	}
	return err
}
