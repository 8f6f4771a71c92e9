package events

import (
	"context"
	"log"
	"time"

	"greeter/internal/domain"
	"greeter/internal/repo"
)

const (
	LeaseAcquired   = "lease.acquired"
	LeaseLost       = "lease.lost"
	InstanceStarted = "instance.started"
	InstanceActive  = "instance.active"
	InstanceFailed  = "instance.failed"
	InstanceStopped = "instance.stopped"
)

type EventPayload map[string]any

// Writer appends lifecycle events for one node. Failures are logged and
// never propagated: the journal must not affect the service.
type Writer struct {
	Repo    repo.Repo
	NodeID  string
	Now     func() time.Time
	Logger  *log.Logger
	Timeout time.Duration
}

func (w Writer) Append(ctx context.Context, evtType, instanceID string, payload EventPayload) {
	if w.Now == nil {
		w.Now = time.Now
	}
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	_, err := w.Repo.InsertEvent(ctx, domain.Event{
		TS:         w.Now().UTC().Format(time.RFC3339),
		Type:       evtType,
		NodeID:     w.NodeID,
		InstanceID: instanceID,
		Payload:    payload,
	})
	if err != nil {
		logger := w.Logger
		if logger == nil {
			logger = log.Default()
		}
		logger.Printf("events: append %s: %v", evtType, err)
	}
}

func (w Writer) InstanceStarted(id string) {
	w.Append(context.Background(), InstanceStarted, id, nil)
}

func (w Writer) InstanceActive(id string) {
	w.Append(context.Background(), InstanceActive, id, nil)
}

func (w Writer) InstanceFailed(id string, err error, delay time.Duration) {
	w.Append(context.Background(), InstanceFailed, id, EventPayload{"error": err.Error(), "restart_in": delay.String()})
}

func (w Writer) InstanceStopped(id string) {
	w.Append(context.Background(), InstanceStopped, id, nil)
}

func (w Writer) LeaseAcquired(lease domain.Lease) {
	w.Append(context.Background(), LeaseAcquired, "", EventPayload{"lease": lease.Name, "epoch": lease.Epoch})
}

func (w Writer) LeaseLost(lease domain.Lease) {
	w.Append(context.Background(), LeaseLost, "", EventPayload{"lease": lease.Name, "epoch": lease.Epoch})
}
