package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greeter/internal/gate"
	"greeter/internal/greeting"
	"greeter/internal/session/sessiontest"
)

var quiet = log.New(io.Discard, "", 0)

func TestBackoffGrowsAndCaps(t *testing.T) {
	jitter := []float64{0, 0.9, 0, 0.5, 0.99, 0, 0, 0.3}
	i := 0
	b := Backoff{
		Min: 3 * time.Second, Max: 30 * time.Second, Factor: 2, RandomFactor: 0.2,
		Rand: func() float64 { v := jitter[i%len(jitter)]; i++; return v },
	}
	first := b.Next()
	assert.Equal(t, 3*time.Second, first)
	prev := first
	for n := 0; n < 20; n++ {
		d := b.Next()
		assert.GreaterOrEqual(t, d, prev, "delay %d decreased", n)
		assert.LessOrEqual(t, d, 30*time.Second)
		prev = d
	}
	assert.Equal(t, 30*time.Second, prev)

	b.Reset()
	assert.Equal(t, 0, b.Failures())
	b.Rand = func() float64 { return 0 }
	assert.Equal(t, 3*time.Second, b.Next())
}

func TestBackoffJitterNeverExceedsMax(t *testing.T) {
	b := Backoff{Min: 20 * time.Second, Max: 30 * time.Second, Factor: 2, RandomFactor: 1, Rand: func() float64 { return 0.99 }}
	for n := 0; n < 5; n++ {
		assert.LessOrEqual(t, b.Next(), 30*time.Second)
	}
}

type recorder struct {
	mu     sync.Mutex
	events []string
	delays []time.Duration
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) InstanceStarted(id string) { r.add("started " + id) }
func (r *recorder) InstanceActive(id string)  { r.add("active " + id) }
func (r *recorder) InstanceFailed(id string, err error, d time.Duration) {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	r.add("failed " + id)
}
func (r *recorder) InstanceStopped(id string) { r.add("stopped " + id) }

func (r *recorder) snapshot() ([]string, []time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...), append([]time.Duration(nil), r.delays...)
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("i%d", n)
	}
}

func gateFactory(fake *sessiontest.Fake) Factory {
	return func(ctx context.Context, id string) Instance {
		return gate.Start(ctx, gate.Config{
			ID:      id,
			Session: fake,
			Handler: greeting.Handler{Session: fake, DefaultGreeting: "Hello", Logger: quiet},
			Logger:  quiet,
		})
	}
}

func TestSetupFailsTwiceThenServes(t *testing.T) {
	fake := sessiontest.New()
	fake.FailSetups(sessiontest.ErrInjected, sessiontest.ErrInjected)
	rec := &recorder{}
	s := New(Config{
		Factory:    gateFactory(fake),
		Backoff:    Backoff{Min: 10 * time.Millisecond, Max: 200 * time.Millisecond, Factor: 2, RandomFactor: 0.2},
		ResetAfter: time.Minute,
		Observer:   rec,
		Logger:     quiet,
		NewID:      sequentialIDs(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() { cancel(); <-s.Done() })

	require.Eventually(t, func() bool { return s.Status().State == StateActive }, 2*time.Second, 5*time.Millisecond)

	set, _ := greeting.NewUseGreeting("alice", "Hi")
	_, err := s.Ask(context.Background(), set)
	require.NoError(t, err)
	hello, _ := greeting.NewHello("alice", nil)
	v, err := s.Ask(context.Background(), hello)
	require.NoError(t, err)
	assert.Equal(t, "Hi, alice!", v)

	events, delays := rec.snapshot()
	assert.Equal(t, []string{"started i1", "failed i1", "started i2", "failed i2", "started i3", "active i3"}, events)
	require.Len(t, delays, 2)
	assert.GreaterOrEqual(t, delays[1], delays[0])
	assert.Equal(t, 3, fake.Setups())

	st := s.Status()
	assert.Equal(t, "i3", st.InstanceID)
	assert.Equal(t, 2, st.Restarts)
	assert.Equal(t, 0, st.Attempts)
}

func TestAskWaitsThroughBackoff(t *testing.T) {
	fake := sessiontest.New()
	fake.FailSetups(sessiontest.ErrInjected)
	s := New(Config{
		Factory: gateFactory(fake),
		Backoff: Backoff{Min: 50 * time.Millisecond, Max: time.Second, Factor: 2},
		Logger:  quiet,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() { cancel(); <-s.Done() })

	require.Eventually(t, func() bool { return s.Status().State == StateBackoff }, time.Second, time.Millisecond)
	hello, _ := greeting.NewHello("bob", nil)
	v, err := s.Ask(context.Background(), hello)
	require.NoError(t, err)
	assert.Equal(t, "Hello, bob!", v)
}

// fakeInstance is driven by the test.
type fakeInstance struct {
	id     string
	active chan struct{}
	done   chan struct{}
	once   sync.Once
	err    error
}

func newFakeInstance(id string) *fakeInstance {
	return &fakeInstance{id: id, active: make(chan struct{}), done: make(chan struct{})}
}

func (f *fakeInstance) ID() string                 { return f.id }
func (f *fakeInstance) Active() <-chan struct{}    { return f.active }
func (f *fakeInstance) Done() <-chan struct{}      { return f.done }
func (f *fakeInstance) Err() error                 { return f.err }
func (f *fakeInstance) Stop()                      { f.fail(nil) }
func (f *fakeInstance) activate()                  { close(f.active) }
func (f *fakeInstance) fail(err error)             { f.once.Do(func() { f.err = err; close(f.done) }) }
func (f *fakeInstance) Ask(ctx context.Context, cmd greeting.Command) (any, error) {
	return "ok from " + f.id, nil
}

func TestBackoffResetsAfterStableRun(t *testing.T) {
	instances := make(chan *fakeInstance, 16)
	rec := &recorder{}
	s := New(Config{
		Factory: func(ctx context.Context, id string) Instance {
			inst := newFakeInstance(id)
			instances <- inst
			return inst
		},
		Backoff:    Backoff{Min: 5 * time.Millisecond, Max: time.Second, Factor: 4},
		ResetAfter: 30 * time.Millisecond,
		Observer:   rec,
		Logger:     quiet,
		NewID:      sequentialIDs(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() { cancel(); <-s.Done() })

	boom := errors.New("boom")
	(<-instances).fail(boom)
	(<-instances).fail(boom)
	stable := <-instances
	stable.activate()
	time.Sleep(60 * time.Millisecond)
	stable.fail(boom)
	<-instances

	_, delays := rec.snapshot()
	require.Len(t, delays, 3)
	assert.Equal(t, 5*time.Millisecond, delays[0])
	assert.Equal(t, 20*time.Millisecond, delays[1])
	assert.Equal(t, 5*time.Millisecond, delays[2])
}

func TestSlowSetupFailuresKeepGrowingDelay(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("setup failed")
	s := New(Config{
		Factory: func(ctx context.Context, id string) Instance {
			inst := newFakeInstance(id)
			time.AfterFunc(40*time.Millisecond, func() { inst.fail(boom) })
			return inst
		},
		Backoff:    Backoff{Min: 5 * time.Millisecond, Max: time.Second, Factor: 2},
		ResetAfter: 20 * time.Millisecond,
		Observer:   rec,
		Logger:     quiet,
		NewID:      sequentialIDs(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() { cancel(); <-s.Done() })

	require.Eventually(t, func() bool {
		_, delays := rec.snapshot()
		return len(delays) >= 4
	}, 2*time.Second, 5*time.Millisecond)
	_, delays := rec.snapshot()
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, delays[:4])
	assert.GreaterOrEqual(t, s.Status().Attempts, 4)
}

func TestRunStopsInstanceOnCancel(t *testing.T) {
	instances := make(chan *fakeInstance, 1)
	rec := &recorder{}
	s := New(Config{
		Factory: func(ctx context.Context, id string) Instance {
			inst := newFakeInstance(id)
			instances <- inst
			return inst
		},
		Backoff:  Backoff{Min: time.Millisecond, Max: time.Second, Factor: 2},
		Observer: rec,
		Logger:   quiet,
		NewID:    sequentialIDs(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	inst := <-instances
	inst.activate()

	hello, _ := greeting.NewHello("carol", nil)
	v, err := s.Ask(context.Background(), hello)
	require.NoError(t, err)
	assert.Equal(t, "ok from i1", v)

	cancel()
	<-s.Done()
	<-inst.Done()
	_, err = s.Ask(context.Background(), hello)
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, StateStopped, s.Status().State)
	events, _ := rec.snapshot()
	assert.Equal(t, "stopped i1", events[len(events)-1])
	assert.Empty(t, instances)
}
