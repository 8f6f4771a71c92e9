package singleton

import (
	"context"
	"log"
	"sync"
	"time"

	"greeter/internal/greeting"
	"greeter/internal/supervisor"
)

// Manager hosts the supervisor while this node holds the lease.
type Manager struct {
	Self          string
	Elector       Elector
	NewSupervisor func() *supervisor.Supervisor
	Logger        *log.Logger
	// ResignTimeout bounds the lease release on shutdown.
	ResignTimeout time.Duration

	mu      sync.Mutex
	current *supervisor.Supervisor
	changed chan struct{}
}

func (m *Manager) logger() *log.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return log.Default()
}

// LocalStatus describes what this node hosts.
type LocalStatus struct {
	Leading    bool               `json:"leading"`
	Supervisor *supervisor.Status `json:"supervisor,omitempty"`
}

func (m *Manager) Status() LocalStatus {
	m.mu.Lock()
	sup := m.current
	m.mu.Unlock()
	if sup == nil {
		return LocalStatus{}
	}
	st := sup.Status()
	return LocalStatus{Leading: true, Supervisor: &st}
}

// Run follows leadership until ctx is done. On exit it stops the supervisor
// before resigning the lease.
func (m *Manager) Run(ctx context.Context) error {
	electCtx, stopElecting := context.WithCancel(context.WithoutCancel(ctx))
	defer stopElecting()
	transitions := m.Elector.Run(electCtx)

	var cancelSup context.CancelFunc
	var sup *supervisor.Supervisor
	stop := func() {
		if sup == nil {
			return
		}
		cancelSup()
		<-sup.Done()
		m.logger().Printf("manager[%s]: supervisor stopped", m.Self)
		sup, cancelSup = nil, nil
		m.install(nil)
	}

	for {
		select {
		case leading, ok := <-transitions:
			if !ok {
				stop()
				return m.resign()
			}
			if leading && sup == nil {
				var supCtx context.Context
				supCtx, cancelSup = context.WithCancel(ctx)
				sup = m.NewSupervisor()
				go sup.Run(supCtx)
				m.install(sup)
				m.logger().Printf("manager[%s]: hosting singleton", m.Self)
			} else if !leading {
				stop()
			}
		case <-ctx.Done():
			stop()
			stopElecting()
			for range transitions {
			}
			return m.resign()
		}
	}
}

func (m *Manager) resign() error {
	timeout := m.ResignTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return m.Elector.Resign(ctx)
}

func (m *Manager) install(sup *supervisor.Supervisor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = sup
	if m.changed != nil {
		close(m.changed)
	}
	m.changed = make(chan struct{})
}

// Ask serves cmd on the local supervisor. While this node holds the lease
// but has not started hosting yet, it waits for the supervisor.
func (m *Manager) Ask(ctx context.Context, cmd greeting.Command) (any, error) {
	for {
		m.mu.Lock()
		sup := m.current
		if m.changed == nil {
			m.changed = make(chan struct{})
		}
		changed := m.changed
		m.mu.Unlock()
		if sup != nil {
			return sup.Ask(ctx, cmd)
		}
		if leader, ok := m.Elector.Leader(); !ok || leader.ID != m.Self {
			return nil, ErrNotHost
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
