// Package outbox implements the daemon's durable per-workspace outbox
// queue (spec §4.2, C2): a retry/dead-letter state machine over CRDT
// updates awaiting delivery to the relay, persisted in SQLite with
// payloads compressed and encrypted at rest.
package outbox

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// State is one of the outbox update lifecycle states (spec §3).
type State string

const (
	StatePending State = "pending"
	StateSent    State = "sent"
	StateAcked   State = "acked"
	StateDead    State = "dead"
)

// MaxAttempts is the retry ceiling after which an update is dead-lettered
// (spec §4.2: "retry_count ≤ MAX_ATTEMPTS=8").
const MaxAttempts = 8

// Backpressure bounds (spec §4.2).
const (
	MaxPendingCount = 10_000
	MaxPendingBytes = 1 << 30 // 1 GiB
)

// Update is a single outbox row.
type Update struct {
	ID             int64
	WorkspaceID    string
	DocID          string
	ClientUpdateID string
	Payload        []byte
	RetryCount     int
	NextRetryAt    *time.Time
	State          State
	CreatedAt      time.Time
}

// BackpressureError is returned by Enqueue when a workspace has hit its
// pending/sent bounds (spec §4.2, §7 OUTBOX_BACKPRESSURE).
type BackpressureError struct {
	WorkspaceID string
	Count       int
	Bytes       int64
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("outbox backpressure: workspace %s has %d updates / %d bytes queued", e.WorkspaceID, e.Count, e.Bytes)
}

// Backlog reports a workspace's current queue depth, used both for the
// Enqueue precondition and for the outbox_depth metric (spec §5).
type Backlog struct {
	Count       int
	Bytes       int64
	IsOverLimit bool
}

// Queue is the daemon's local outbox, backed by a single SQLite
// connection (store.Open enforces SetMaxOpenConns(1), so every method
// here is already serialized against concurrent writers).
type Queue struct {
	db  *sql.DB
	key []byte
}

// New wraps an opened, migrated database handle. key is the at-rest
// encryption key from LoadOrCreateKey.
func New(db *sql.DB, key []byte) *Queue {
	return &Queue{db: db, key: key}
}

// CheckBacklog reports the workspace's current pending+sent queue depth
// (spec §4.2 check_backpressure).
func (q *Queue) CheckBacklog(workspaceID string) (Backlog, error) {
	var count int
	var bytes sql.NullInt64
	err := q.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(payload_bytes), 0) FROM outbox_updates
		 WHERE workspace_id = ? AND state IN ('pending', 'sent')`,
		workspaceID,
	).Scan(&count, &bytes)
	if err != nil {
		return Backlog{}, fmt.Errorf("check backlog: %w", err)
	}
	b := Backlog{Count: count, Bytes: bytes.Int64}
	b.IsOverLimit = b.Count >= MaxPendingCount || b.Bytes >= MaxPendingBytes
	return b, nil
}

// Enqueue inserts a new pending update, sealing payload at rest. It
// fails with *BackpressureError if the workspace is already over its
// bounds, and is idempotent on (workspace_id, client_update_id): a
// duplicate client_update_id returns the existing row's id rather than
// erroring, so daemon restarts replaying an in-flight submission do not
// double-enqueue (spec §4.2 "required: guarantees dedup on daemon
// restart").
func (q *Queue) Enqueue(workspaceID, docID, clientUpdateID string, payload []byte, now time.Time) (int64, error) {
	backlog, err := q.CheckBacklog(workspaceID)
	if err != nil {
		return 0, err
	}
	if backlog.IsOverLimit {
		return 0, &BackpressureError{WorkspaceID: workspaceID, Count: backlog.Count, Bytes: backlog.Bytes}
	}

	sealed, err := sealPayload(q.key, payload)
	if err != nil {
		return 0, fmt.Errorf("seal payload: %w", err)
	}

	res, err := q.db.Exec(
		`INSERT INTO outbox_updates (workspace_id, doc_id, client_update_id, payload, payload_bytes, retry_count, state, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, 'pending', ?)
		 ON CONFLICT (workspace_id, client_update_id) DO NOTHING`,
		workspaceID, docID, clientUpdateID, sealed, len(payload), now.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert outbox update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var id int64
		err := q.db.QueryRow(
			`SELECT id FROM outbox_updates WHERE workspace_id = ? AND client_update_id = ?`,
			workspaceID, clientUpdateID,
		).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("look up existing outbox update: %w", err)
		}
		return id, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read inserted id: %w", err)
	}
	return id, nil
}

// Get fetches a single update by id and opens its payload.
func (q *Queue) Get(id int64) (*Update, error) {
	u, sealed, err := q.scanOne(q.db.QueryRow(
		`SELECT id, workspace_id, doc_id, client_update_id, payload, retry_count, next_retry_at, state, created_at
		 FROM outbox_updates WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	payload, err := openPayload(q.key, sealed)
	if err != nil {
		return nil, fmt.Errorf("open payload for update %d: %w", id, err)
	}
	u.Payload = payload
	return u, nil
}

func (q *Queue) scanOne(row *sql.Row) (*Update, []byte, error) {
	var u Update
	var sealed []byte
	var nextRetry sql.NullInt64
	var createdAt int64
	var state string
	err := row.Scan(&u.ID, &u.WorkspaceID, &u.DocID, &u.ClientUpdateID, &sealed, &u.RetryCount, &nextRetry, &state, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("outbox update not found: %w", err)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("scan outbox update: %w", err)
	}
	u.State = State(state)
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	if nextRetry.Valid {
		t := time.Unix(nextRetry.Int64, 0).UTC()
		u.NextRetryAt = &t
	}
	return &u, sealed, nil
}

// ReadyToSend returns pending updates whose next_retry_at is unset or
// due, FIFO by ascending row id within the workspace (spec §4.2
// ready_to_send). limit bounds the result size; pass 0 for unlimited.
func (q *Queue) ReadyToSend(workspaceID string, now time.Time, limit int) ([]*Update, error) {
	query := `SELECT id, workspace_id, doc_id, client_update_id, payload, retry_count, next_retry_at, state, created_at
		 FROM outbox_updates
		 WHERE workspace_id = ? AND state = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= ?)
		 ORDER BY id ASC`
	args := []any{workspaceID, now.Unix()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ready to send: %w", err)
	}
	defer rows.Close()

	var out []*Update
	for rows.Next() {
		var u Update
		var sealed []byte
		var nextRetry sql.NullInt64
		var createdAt int64
		var state string
		if err := rows.Scan(&u.ID, &u.WorkspaceID, &u.DocID, &u.ClientUpdateID, &sealed, &u.RetryCount, &nextRetry, &state, &createdAt); err != nil {
			return nil, fmt.Errorf("scan ready to send row: %w", err)
		}
		u.State = State(state)
		u.CreatedAt = time.Unix(createdAt, 0).UTC()
		if nextRetry.Valid {
			t := time.Unix(nextRetry.Int64, 0).UTC()
			u.NextRetryAt = &t
		}
		payload, err := openPayload(q.key, sealed)
		if err != nil {
			return nil, fmt.Errorf("open payload for update %d: %w", u.ID, err)
		}
		u.Payload = payload
		out = append(out, &u)
	}
	return out, rows.Err()
}

// MarkSent transitions id from pending to sent. Idempotent: returns
// false without error if id is not currently pending.
func (q *Queue) MarkSent(id int64) (bool, error) {
	res, err := q.db.Exec(`UPDATE outbox_updates SET state = 'sent' WHERE id = ? AND state = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("mark sent: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkAcked transitions id from sent to acked, the terminal success
// state. Idempotent: returns false without error if id is not currently
// sent.
func (q *Queue) MarkAcked(id int64) (bool, error) {
	res, err := q.db.Exec(`UPDATE outbox_updates SET state = 'acked' WHERE id = ? AND state = 'sent'`, id)
	if err != nil {
		return false, fmt.Errorf("mark acked: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkFailed transitions id from sent back to pending (with a scheduled
// retry) or, once MaxAttempts is exhausted, to the terminal dead state
// (spec §4.2 state machine, §4.2 Backoff). Idempotent: returns false
// without error if id is not currently sent.
func (q *Queue) MarkFailed(id int64, now time.Time) (bool, error) {
	u, err := q.Get(id)
	if err != nil {
		return false, err
	}
	if u.State != StateSent {
		return false, nil
	}

	nextRetryCount := u.RetryCount + 1
	var res sql.Result
	if nextRetryCount >= MaxAttempts {
		res, err = q.db.Exec(
			`UPDATE outbox_updates SET state = 'dead', retry_count = ? WHERE id = ? AND state = 'sent'`,
			nextRetryCount, id,
		)
	} else {
		nextRetryAt := now.Add(Delay(u.RetryCount))
		res, err = q.db.Exec(
			`UPDATE outbox_updates SET state = 'pending', retry_count = ?, next_retry_at = ? WHERE id = ? AND state = 'sent'`,
			nextRetryCount, nextRetryAt.Unix(), id,
		)
	}
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RescheduleInFlight marks every 'sent' row as immediately ready to
// retry. Called once on daemon startup/reconnect: a 'sent' row with no
// ack could not have been durably acknowledged by the relay, so spec
// §4.2 says it "is considered ready after next_retry_at is set during
// the next failure, but initially is re-scheduled immediately on
// reconnect" — i.e. treated as a fresh send attempt without penalizing
// retry_count.
func (q *Queue) RescheduleInFlight(workspaceID string) error {
	_, err := q.db.Exec(
		`UPDATE outbox_updates SET state = 'pending', next_retry_at = NULL WHERE workspace_id = ? AND state = 'sent'`,
		workspaceID,
	)
	if err != nil {
		return fmt.Errorf("reschedule in-flight updates: %w", err)
	}
	return nil
}
