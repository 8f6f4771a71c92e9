package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"greeter/internal/domain"
)

// Repo holds the coordination SQL shared by every node: the singleton lease,
// peer membership and the lifecycle journal.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func formatMillis(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

func scanLease(row *sql.Row, now time.Time) (domain.Lease, error) {
	var l domain.Lease
	var expires int64
	err := row.Scan(&l.Name, &l.HolderID, &l.HolderAddr, &l.Epoch, &expires)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.ExpiresAt = formatMillis(expires)
	l.Valid = l.HolderID != "" && expires > now.UnixMilli()
	return l, nil
}

// TryAcquireLease takes the named lease for holderID if it is free, expired
// or already held by holderID, extending it to now+ttl. The epoch increments
// whenever the holder changes. It reports whether holderID owns the lease.
func (r Repo) TryAcquireLease(ctx context.Context, name, holderID, holderAddr string, now time.Time, ttl time.Duration) (domain.Lease, bool, error) {
	if _, err := r.DB.ExecContext(ctx, `INSERT INTO leases(name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name); err != nil {
		return domain.Lease{}, false, fmt.Errorf("ensure lease %s: %w", name, err)
	}
	nowMs := now.UnixMilli()
	res, err := r.DB.ExecContext(ctx, `UPDATE leases
SET epoch = CASE WHEN holder_id = ? THEN epoch ELSE epoch + 1 END,
    holder_id = ?, holder_addr = ?, expires_at = ?, renewed_at = ?
WHERE name = ? AND (holder_id = ? OR expires_at <= ?)`,
		holderID, holderID, holderAddr, now.Add(ttl).UnixMilli(), nowMs, name, holderID, nowMs)
	if err != nil {
		return domain.Lease{}, false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	affected, _ := res.RowsAffected()
	lease, err := r.GetLease(ctx, name, now)
	if err != nil {
		return domain.Lease{}, false, err
	}
	return lease, affected == 1 && lease.HolderID == holderID, nil
}

// ReleaseLease expires the lease if holderID still owns it.
func (r Repo) ReleaseLease(ctx context.Context, name, holderID string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE leases SET holder_id='', holder_addr='', expires_at=0 WHERE name=? AND holder_id=?`, name, holderID)
	return err
}

func (r Repo) GetLease(ctx context.Context, name string, now time.Time) (domain.Lease, error) {
	return scanLease(r.DB.QueryRowContext(ctx, `SELECT name,holder_id,holder_addr,epoch,expires_at FROM leases WHERE name=?`, name), now)
}

// HeartbeatMember registers the node or refreshes its last_seen.
func (r Repo) HeartbeatMember(ctx context.Context, id, addr string, now time.Time) error {
	ms := now.UnixMilli()
	_, err := r.DB.ExecContext(ctx, `INSERT INTO members(id,addr,started_at,last_seen) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET addr=excluded.addr, last_seen=excluded.last_seen`, id, addr, ms, ms)
	return err
}

func (r Repo) DeleteMember(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM members WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMembers returns every registered node; Live is set for nodes seen within ttl.
func (r Repo) ListMembers(ctx context.Context, now time.Time, ttl time.Duration) ([]domain.Member, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,addr,started_at,last_seen FROM members ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cutoff := now.Add(-ttl).UnixMilli()
	var res []domain.Member
	for rows.Next() {
		var m domain.Member
		var started, seen int64
		if err := rows.Scan(&m.ID, &m.Addr, &started, &seen); err != nil {
			return nil, err
		}
		m.StartedAt = formatMillis(started)
		m.LastSeen = formatMillis(seen)
		m.Live = seen > cutoff
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) InsertEvent(ctx context.Context, e domain.Event) (int64, error) {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO events(ts,type,node_id,instance_id,payload_json) VALUES (?,?,?,?,?)`,
		e.TS, e.Type, e.NodeID, nullable(e.InstanceID), string(data))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LatestEvents returns up to limit events, newest first, optionally filtered by type and node.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, nodeID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if nodeID != "" {
		clauses = append(clauses, "node_id=?")
		args = append(args, nodeID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,node_id,COALESCE(instance_id,''),payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload string
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.NodeID, &e.InstanceID, &payload); err != nil {
			return nil, err
		}
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode event %d payload: %w", e.ID, err)
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
