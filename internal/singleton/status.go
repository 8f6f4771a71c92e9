package singleton

import (
	"context"
	"strings"
	"time"

	"golang.org/x/exp/slices"

	"greeter/internal/domain"
	"greeter/internal/repo"
)

// ClusterStatus is one node's view of the singleton and its peers.
type ClusterStatus struct {
	NodeID  string          `json:"node_id"`
	Leader  *domain.Member  `json:"leader,omitempty"`
	Lease   domain.Lease    `json:"lease"`
	Members []domain.Member `json:"members"`
	Local   LocalStatus     `json:"local"`
}

// Inspector assembles ClusterStatus from the coordination database and the
// local components.
type Inspector struct {
	Self      string
	Repo      repo.Repo
	LeaseName string
	MemberTTL time.Duration
	Elector   Elector
	Manager   *Manager
	Now       func() time.Time
}

func (i *Inspector) Status(ctx context.Context) (ClusterStatus, error) {
	now := time.Now()
	if i.Now != nil {
		now = i.Now()
	}
	lease, err := i.Repo.GetLease(ctx, i.LeaseName, now)
	if err != nil && err != repo.ErrNotFound {
		return ClusterStatus{}, err
	}
	if err == repo.ErrNotFound {
		lease = domain.Lease{Name: i.LeaseName}
	}
	members, err := i.Repo.ListMembers(ctx, now, i.MemberTTL)
	if err != nil {
		return ClusterStatus{}, err
	}
	// Live members first, then by id.
	slices.SortStableFunc(members, func(a, b domain.Member) int {
		if a.Live != b.Live {
			if a.Live {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	st := ClusterStatus{NodeID: i.Self, Lease: lease, Members: members}
	if st.Members == nil {
		st.Members = []domain.Member{}
	}
	if leader, ok := i.Elector.Leader(); ok {
		if idx := slices.IndexFunc(members, func(m domain.Member) bool { return m.ID == leader.ID }); idx >= 0 {
			leader = members[idx]
		}
		st.Leader = &leader
	}
	if i.Manager != nil {
		st.Local = i.Manager.Status()
	}
	return st, nil
}

// Events returns the latest lifecycle events across all nodes.
func (i *Inspector) Events(ctx context.Context, n int) ([]domain.Event, error) {
	events, err := i.Repo.LatestEvents(ctx, n, "", "")
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []domain.Event{}
	}
	return events, nil
}
