package repo

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greeter/internal/db"
	"greeter/internal/domain"
	"greeter/internal/migrate"
)

func openRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "coord.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return Repo{DB: conn}
}

func TestLeaseAcquireRenewAndTakeover(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	now := time.Now()
	ttl := 10 * time.Second

	lease, ok, err := r.TryAcquireLease(ctx, "singleton", "a", "http://a", now, ttl)
	require.NoError(t, err)
	require.True(t, ok, "a should acquire")
	assert.Equal(t, int64(1), lease.Epoch)
	assert.True(t, lease.Valid)

	_, ok, err = r.TryAcquireLease(ctx, "singleton", "b", "http://b", now.Add(time.Second), ttl)
	require.NoError(t, err)
	assert.False(t, ok, "b must not steal a live lease")

	lease, ok, err = r.TryAcquireLease(ctx, "singleton", "a", "http://a", now.Add(2*time.Second), ttl)
	require.NoError(t, err)
	require.True(t, ok, "a should renew")
	assert.Equal(t, int64(1), lease.Epoch, "renewal must keep epoch")

	lease, ok, err = r.TryAcquireLease(ctx, "singleton", "b", "http://b", now.Add(13*time.Second), ttl)
	require.NoError(t, err)
	require.True(t, ok, "b should take over an expired lease")
	assert.Equal(t, int64(2), lease.Epoch)
	assert.Equal(t, "b", lease.HolderID)
	assert.Equal(t, "http://b", lease.HolderAddr)
}

func TestReleaseLease(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	now := time.Now()
	_, ok, err := r.TryAcquireLease(ctx, "singleton", "a", "http://a", now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, r.ReleaseLease(ctx, "singleton", "b"))
	lease, err := r.GetLease(ctx, "singleton", now)
	require.NoError(t, err)
	assert.True(t, lease.Valid, "non-holder release must be a no-op")

	require.NoError(t, r.ReleaseLease(ctx, "singleton", "a"))
	lease, err = r.GetLease(ctx, "singleton", now)
	require.NoError(t, err)
	assert.False(t, lease.Valid, "lease should be free after release")

	lease, ok, err = r.TryAcquireLease(ctx, "singleton", "a", "http://a", now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), lease.Epoch, "reacquire should start a new epoch")

	_, err = r.GetLease(ctx, "missing", now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMembersLiveness(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, r.HeartbeatMember(ctx, "a", "http://a", now.Add(-time.Minute)))
	require.NoError(t, r.HeartbeatMember(ctx, "b", "http://b", now))

	members, err := r.ListMembers(ctx, now, 15*time.Second)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "a", members[0].ID)
	assert.False(t, members[0].Live, "a should be stale")
	assert.Equal(t, "b", members[1].ID)
	assert.True(t, members[1].Live, "b should be live")

	require.NoError(t, r.DeleteMember(ctx, "a"))
	assert.ErrorIs(t, r.DeleteMember(ctx, "a"), ErrNotFound)
}

func TestLatestEvents(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	ts := time.Now().UTC().Format(time.RFC3339)
	for _, e := range []domain.Event{
		{TS: ts, Type: "lease.acquired", NodeID: "a", Payload: map[string]any{"epoch": 1}},
		{TS: ts, Type: "instance.started", NodeID: "a", InstanceID: "i1"},
		{TS: ts, Type: "instance.active", NodeID: "a", InstanceID: "i1"},
	} {
		_, err := r.InsertEvent(ctx, e)
		require.NoError(t, err)
	}

	events, err := r.LatestEvents(ctx, 2, "", "")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "instance.active", events[0].Type)
	assert.Equal(t, "i1", events[0].InstanceID)

	events, err = r.LatestEvents(ctx, 10, "lease.acquired", "a")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, float64(1), events[0].Payload["epoch"])
}
