// Package gate holds commands back until the storage table exists.
//
// A Gate starts in Initializing and issues its setup statement exactly once.
// Commands that arrive meanwhile are stashed in arrival order. When setup
// succeeds the gate becomes Active, replays the stash in FIFO order and from
// then on passes commands straight to a serial executor. When setup fails
// the gate terminates; it never retries on its own and never goes back to
// Initializing. A new attempt means a new Gate.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"

	"greeter/internal/greeting"
	"greeter/internal/session"
)

// ErrTerminated is returned to callers whose command was not handled
// because the gate stopped or failed before replying.
var ErrTerminated = errors.New("gate terminated")

type State int32

const (
	Initializing State = iota
	Active
	Terminated
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Active:
		return "active"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handler executes a command once the gate is Active.
type Handler interface {
	Handle(ctx context.Context, cmd greeting.Command) (any, error)
}

type Config struct {
	ID        string
	Session   session.Session
	DDL       string
	Handler   Handler
	QueueSize int
	Logger    *log.Logger
}

type result struct {
	value any
	err   error
}

type envelope struct {
	cmd   greeting.Command
	reply chan result
}

// Gate is one instance lifetime of the setup-gated worker.
type Gate struct {
	cfg     Config
	log     *log.Logger
	mailbox chan envelope
	state   atomic.Int32
	pending atomic.Int64
	active  chan struct{}
	done    chan struct{}
	err     error
	cancel  context.CancelFunc
}

// Start creates the gate and fires its setup statement.
func Start(parent context.Context, cfg Config) *Gate {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.DDL == "" {
		cfg.DDL = greeting.DDL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	g := &Gate{
		cfg:     cfg,
		log:     logger,
		mailbox: make(chan envelope, cfg.QueueSize),
		active:  make(chan struct{}),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go g.run(ctx)
	return g
}

func (g *Gate) ID() string { return g.cfg.ID }

func (g *Gate) State() State { return State(g.state.Load()) }

// Pending is the number of stashed commands awaiting setup.
func (g *Gate) Pending() int { return int(g.pending.Load()) }

// Active is closed once setup succeeded.
func (g *Gate) Active() <-chan struct{} { return g.active }

// Done is closed once the gate has terminated.
func (g *Gate) Done() <-chan struct{} { return g.done }

// Err returns the fault that terminated the gate, nil after a plain Stop.
// Only meaningful after Done is closed.
func (g *Gate) Err() error {
	select {
	case <-g.done:
		return g.err
	default:
		return nil
	}
}

// Stop tears the gate down and waits for it to exit.
func (g *Gate) Stop() {
	g.cancel()
	<-g.done
}

// Ask submits cmd and waits for its reply. The caller's ctx bounds the wait
// only; work already handed to the gate keeps running after ctx expires.
func (g *Gate) Ask(ctx context.Context, cmd greeting.Command) (any, error) {
	env := envelope{cmd: cmd, reply: make(chan result, 1)}
	select {
	case g.mailbox <- env:
	case <-g.done:
		return nil, ErrTerminated
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-env.reply:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-g.done:
		select {
		case r := <-env.reply:
			return r.value, r.err
		default:
			return nil, ErrTerminated
		}
	}
}

func (g *Gate) run(ctx context.Context) {
	setup := make(chan error, 1)
	g.log.Printf("[%s] creating table: greeting", g.cfg.ID)
	go func() { setup <- g.cfg.Session.CreateTableIfNotExists(ctx, g.cfg.DDL) }()

	work := make(chan envelope, g.cfg.QueueSize)
	fault := make(chan error, 1)
	executorDone := make(chan struct{})
	go g.execute(ctx, work, fault, executorDone)

	var stash []envelope
	var err error
loop:
	for {
		select {
		case env := <-g.mailbox:
			if g.State() == Initializing {
				stash = append(stash, env)
				g.pending.Store(int64(len(stash)))
				continue
			}
			if !dispatch(ctx, work, env) {
				break loop
			}
		case serr := <-setup:
			if serr != nil {
				err = fmt.Errorf("create table greeting: %w", serr)
				g.log.Printf("[%s] exception when creating table: greeting; will retry: %v", g.cfg.ID, serr)
				break loop
			}
			g.log.Printf("[%s] done creating table: greeting, replaying %d stashed commands", g.cfg.ID, len(stash))
			g.state.Store(int32(Active))
			close(g.active)
			for _, env := range stash {
				if !dispatch(ctx, work, env) {
					break loop
				}
			}
			stash = nil
			g.pending.Store(0)
		case ferr := <-fault:
			err = ferr
			g.log.Printf("[%s] instance fault: %v", g.cfg.ID, ferr)
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	g.state.Store(int32(Terminated))
	g.cancel()
	close(work)
	<-executorDone
	g.pending.Store(0)
	g.err = err
	g.log.Printf("[%s] instance stopped", g.cfg.ID)
	close(g.done)
}

func dispatch(ctx context.Context, work chan<- envelope, env envelope) bool {
	select {
	case work <- env:
		return true
	case <-ctx.Done():
		return false
	}
}

// execute runs handler calls one at a time so replies follow dispatch order.
func (g *Gate) execute(ctx context.Context, work <-chan envelope, fault chan<- error, done chan<- struct{}) {
	defer close(done)
	broken := false
	for env := range work {
		if broken || ctx.Err() != nil {
			env.reply <- result{err: ErrTerminated}
			continue
		}
		value, err, perr := g.handle(ctx, env.cmd)
		if perr != nil {
			broken = true
			select {
			case fault <- perr:
			default:
			}
			env.reply <- result{err: ErrTerminated}
			continue
		}
		env.reply <- result{value: value, err: err}
	}
}

func (g *Gate) handle(ctx context.Context, cmd greeting.Command) (value any, err error, perr error) {
	defer func() {
		if r := recover(); r != nil {
			perr = fmt.Errorf("handler panic on %s: %v", cmd, r)
		}
	}()
	value, err = g.cfg.Handler.Handle(ctx, cmd)
	return value, err, nil
}
