// Package sessiontest provides an in-memory session.Session for tests.
package sessiontest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"greeter/internal/session"
)

var ErrInjected = errors.New("injected storage failure")

// Fake keeps greeting rows in a map. Setup calls can be held open or failed,
// and reads/writes can be failed, to drive the gate through its states.
type Fake struct {
	mu        sync.Mutex
	rows      map[string]string
	created   bool
	setups    int
	setupErrs []error
	hold      chan struct{}
	failReads bool
	failWrite bool
	setupSeen chan struct{}
}

func New() *Fake {
	return &Fake{rows: make(map[string]string), setupSeen: make(chan struct{}, 64)}
}

// FailSetups makes the next len(errs) setup calls return those errors in order.
func (f *Fake) FailSetups(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setupErrs = append(f.setupErrs, errs...)
}

// HoldSetup blocks setup calls until the returned release func runs.
func (f *Fake) HoldSetup() (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.hold = ch
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *Fake) FailReads(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failReads = v
}

func (f *Fake) FailWrites(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrite = v
}

// Setups returns how many setup calls were made.
func (f *Fake) Setups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setups
}

// SetupSeen receives one value per setup call, before it completes.
func (f *Fake) SetupSeen() <-chan struct{} { return f.setupSeen }

func (f *Fake) CreateTableIfNotExists(ctx context.Context, ddl string) error {
	f.mu.Lock()
	f.setups++
	hold := f.hold
	var err error
	if len(f.setupErrs) > 0 {
		err = f.setupErrs[0]
		f.setupErrs = f.setupErrs[1:]
	}
	f.mu.Unlock()
	select {
	case f.setupSeen <- struct{}{}:
	default:
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.created = true
	f.mu.Unlock()
	return nil
}

func (f *Fake) ReadOne(ctx context.Context, query string, key string) (session.Row, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReads {
		return nil, false, ErrInjected
	}
	if !f.created {
		return nil, false, errors.New("no such table: greeting")
	}
	msg, ok := f.rows[key]
	if !ok {
		return nil, false, nil
	}
	return session.Row{"message": msg}, true, nil
}

// Write accepts the greeting upsert: args are (id, message).
func (f *Fake) Write(ctx context.Context, query string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite {
		return ErrInjected
	}
	if !f.created {
		return errors.New("no such table: greeting")
	}
	if len(args) != 2 || !strings.Contains(strings.ToLower(query), "greeting") {
		return errors.New("unexpected write")
	}
	f.rows[args[0]] = args[1]
	return nil
}

var _ session.Session = (*Fake)(nil)
