package app

import (
	"context"
	"io"
	"log"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greeter/internal/config"
	greetersdk "greeter/sdk/go"
)

type runningNode struct {
	node   *Node
	client *greetersdk.Client
	cancel context.CancelFunc
	done   chan error
}

func testConfig(t *testing.T, dir, id string, ln net.Listener) *config.Config {
	t.Helper()
	cfg := config.Default(id)
	cfg.Node.AdvertiseAddr = "http://" + ln.Addr().String()
	cfg.HTTP.Addr = ln.Addr().String()
	cfg.Storage.Path = filepath.Join(dir, "greeter.db")
	cfg.Cluster.LeaseDuration = 400 * time.Millisecond
	cfg.Cluster.RenewInterval = 100 * time.Millisecond
	cfg.Cluster.MemberTTL = time.Second
	cfg.Cluster.Secret = "cluster-secret"
	cfg.Supervisor.MinBackoff = 10 * time.Millisecond
	cfg.Supervisor.MaxBackoff = 50 * time.Millisecond
	cfg.Service.AskTimeout = 2 * time.Second
	return cfg
}

func startNode(t *testing.T, dir, id string) *runningNode {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	n, err := NewNode(context.Background(), testConfig(t, dir, id, ln), log.New(io.Discard, "", 0))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	rn := &runningNode{
		node:   n,
		client: greetersdk.New(n.Config.Node.AdvertiseAddr),
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() { rn.done <- n.Serve(ctx, ln) }()
	t.Cleanup(func() {
		rn.stop(t)
		_ = n.Close()
	})
	return rn
}

func (rn *runningNode) stop(t *testing.T) {
	t.Helper()
	if rn.cancel == nil {
		return
	}
	rn.cancel()
	rn.cancel = nil
	select {
	case err := <-rn.done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatalf("node %s did not stop", rn.node.Config.Node.ID)
	}
}

func (rn *runningNode) helloEventually(t *testing.T, id, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		msg, err := rn.client.Hello(ctx, id, "")
		return err == nil && msg == want
	}, 10*time.Second, 20*time.Millisecond)
}

func TestSingleNodeServesGreetings(t *testing.T) {
	dir := t.TempDir()
	a := startNode(t, dir, "node-a")
	a.helloEventually(t, "bob", "Hello, bob!")

	ctx := context.Background()
	require.NoError(t, a.client.UseGreeting(ctx, "bob", "Howdy"))
	msg, err := a.client.Hello(ctx, "bob", "acme")
	require.NoError(t, err)
	assert.Equal(t, "Howdy, bob!", msg)

	status, err := a.client.Cluster(ctx)
	require.NoError(t, err)
	assert.Equal(t, "node-a", status.NodeID)
	require.NotNil(t, status.Leader)
	assert.Equal(t, "node-a", status.Leader.ID)
	assert.True(t, status.Local.Leading)

	events, err := a.client.Events(ctx, 10)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, "lease.acquired")
	assert.Contains(t, types, "instance.active")
}

func TestFollowerForwardsAndTakesOver(t *testing.T) {
	dir := t.TempDir()
	a := startNode(t, dir, "node-a")
	a.helloEventually(t, "alice", "Hello, alice!")

	b := startNode(t, dir, "node-b")
	require.Eventually(t, func() bool {
		status, err := b.client.Cluster(context.Background())
		return err == nil && status.Leader != nil && status.Leader.ID == "node-a"
	}, 5*time.Second, 20*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, b.client.UseGreeting(ctx, "alice", "Hi"))
	msg, err := b.client.Hello(ctx, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, "Hi, alice!", msg)

	status, err := b.client.Cluster(ctx)
	require.NoError(t, err)
	assert.False(t, status.Local.Leading)

	a.stop(t)
	b.helloEventually(t, "alice", "Hi, alice!")
	status, err = b.client.Cluster(ctx)
	require.NoError(t, err)
	require.NotNil(t, status.Leader)
	assert.Equal(t, "node-b", status.Leader.ID)
	assert.True(t, status.Local.Leading)
}

func TestNewNodeRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default("")
	_, err := NewNode(context.Background(), cfg, nil)
	require.Error(t, err)
}
