package singleton

import (
	"context"
	"errors"

	"greeter/internal/domain"
	"greeter/internal/greeting"
)

var (
	// ErrNoLeader means no node currently holds the lease.
	ErrNoLeader = errors.New("no singleton host elected")
	// ErrPeerUnavailable means the host could not be reached.
	ErrPeerUnavailable = errors.New("singleton host unreachable")
	// ErrNotHost means a node was asked to serve locally without holding the lease.
	ErrNotHost = errors.New("node does not host the singleton")
)

// Asker serves commands.
type Asker interface {
	Ask(ctx context.Context, cmd greeting.Command) (any, error)
}

// Forwarder delivers a command to a remote host in one hop.
type Forwarder interface {
	Forward(ctx context.Context, host domain.Member, cmd greeting.Command) (any, error)
}

// Proxy resolves the current host per request. It never retries.
type Proxy struct {
	Self      string
	Elector   Elector
	Local     Asker
	Forwarder Forwarder
}

func (p *Proxy) Ask(ctx context.Context, cmd greeting.Command) (any, error) {
	host, ok := p.Elector.Leader()
	if !ok {
		return nil, ErrNoLeader
	}
	if host.ID == p.Self {
		return p.Local.Ask(ctx, cmd)
	}
	if p.Forwarder == nil {
		return nil, ErrPeerUnavailable
	}
	return p.Forwarder.Forward(ctx, host, cmd)
}

// Host returns the node currently serving requests.
func (p *Proxy) Host() (domain.Member, bool) { return p.Elector.Leader() }
