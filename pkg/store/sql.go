package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Mindburn-Labs/conveyor/pkg/task"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Dialect selects SQL that differs between backends.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// claimBatch is how many candidates the portable claim path tries per call.
const claimBatch = 8

// SQLStore implements Store on database/sql for Postgres and SQLite.
// Timestamps are stored as Unix microseconds so comparisons and ordering
// behave the same on both backends.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	opts    options
	log     *slog.Logger
}

func NewSQLStore(db *sql.DB, dialect Dialect, opts ...Option) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: dialect,
		opts:    buildOptions(opts),
		log:     slog.Default().With("component", "store", "dialect", string(dialect)),
	}
}

// DB exposes the underlying handle for collaborators sharing the database.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) now() time.Time { return s.opts.now().UTC() }

const taskColumns = `id, type, payload, resource_key, domain, status, attempts, max_attempts, claim_epoch,
	created_at, updated_at, scheduled_at, claimed_at, claimed_by, last_heartbeat_at, completed_at,
	flagged_at, last_error, result, dedupe_key`

const liveStatuses = `('PENDING', 'IN_PROGRESS', 'DEAD_LETTER')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var payload, status string
	var created, updated, scheduled int64
	var claimedAt, heartbeat, completedAt, flagged sql.NullInt64
	var claimedBy, lastError, result, dedupeKey sql.NullString
	err := row.Scan(&t.ID, &t.Type, &payload, &t.ResourceKey, &t.Domain, &status, &t.Attempts, &t.MaxAttempts,
		&t.ClaimEpoch, &created, &updated, &scheduled, &claimedAt, &claimedBy, &heartbeat, &completedAt,
		&flagged, &lastError, &result, &dedupeKey)
	if err != nil {
		return nil, err
	}
	t.Payload = json.RawMessage(payload)
	t.Status = task.Status(status)
	t.CreatedAt = fromMicros(created)
	t.UpdatedAt = fromMicros(updated)
	t.ScheduledAt = fromMicros(scheduled)
	t.ClaimedAt = fromNullMicros(claimedAt)
	t.LastHeartbeatAt = fromNullMicros(heartbeat)
	t.CompletedAt = fromNullMicros(completedAt)
	t.FlaggedAt = fromNullMicros(flagged)
	t.ClaimedBy = claimedBy.String
	t.LastError = lastError.String
	if result.Valid && result.String != "" {
		t.Result = json.RawMessage(result.String)
	}
	t.DedupeKey = dedupeKey.String
	return &t, nil
}

func micros(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func fromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullRaw(r json.RawMessage) sql.NullString {
	return sql.NullString{String: string(r), Valid: len(r) > 0}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLStore) Enqueue(ctx context.Context, n task.NewTask) (string, error) {
	now := s.now()
	n, err := n.Normalize(now)
	if err != nil {
		return "", err
	}

	if n.DedupeKey != "" {
		id, err := s.liveByDedupeKey(ctx, n.DedupeKey)
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
	}

	id := uuid.NewString()
	query := `
		INSERT INTO tasks (id, type, payload, resource_key, domain, status, attempts, max_attempts, claim_epoch,
			created_at, updated_at, scheduled_at, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, 'PENDING', 0, $6, 0, $7, $7, $8, $9)
	`
	_, err = s.db.ExecContext(ctx, query,
		id, n.Type, string(n.Payload), n.ResourceKey, n.Domain, n.MaxAttempts,
		micros(now), micros(n.ScheduledAt), nullString(n.DedupeKey),
	)
	if err != nil {
		// Lost a dedupe race to a concurrent enqueue.
		if n.DedupeKey != "" && isUniqueViolation(err) {
			if existing, lookupErr := s.liveByDedupeKey(ctx, n.DedupeKey); lookupErr == nil && existing != "" {
				return existing, nil
			}
		}
		return "", fmt.Errorf("failed to insert task: %w", err)
	}
	return id, nil
}

func (s *SQLStore) liveByDedupeKey(ctx context.Context, key string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM tasks WHERE dedupe_key = $1 AND status IN `+liveStatuses+` LIMIT 1`, key,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up dedupe key: %w", err)
	}
	return id, nil
}

func normalizeKeys(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = task.NormalizeResourceKey(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func (s *SQLStore) ClaimNext(ctx context.Context, workerID string, resourceKeys []string) (*task.Task, error) {
	keys := normalizeKeys(resourceKeys)
	if s.dialect == DialectPostgres {
		return s.claimSkipLocked(ctx, workerID, keys)
	}
	return s.claimConditional(ctx, workerID, keys)
}

// claimSkipLocked claims in one statement; concurrent claimers skip rows
// another transaction has locked instead of blocking on them.
func (s *SQLStore) claimSkipLocked(ctx context.Context, workerID string, keys []string) (*task.Task, error) {
	now := micros(s.now())
	query := `
		UPDATE tasks SET status = 'IN_PROGRESS', claimed_by = $1, claimed_at = $2, last_heartbeat_at = $2,
			updated_at = $2, claim_epoch = claim_epoch + 1, flagged_at = NULL
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = 'PENDING' AND scheduled_at <= $2 AND ($3::text[] IS NULL OR resource_key = ANY($3))
			ORDER BY scheduled_at, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + taskColumns
	t, err := scanTask(s.db.QueryRowContext(ctx, query, workerID, now, pq.Array(keys)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	return t, nil
}

// claimConditional selects candidates and then takes one with a
// conditional UPDATE; RowsAffected decides which claimer won.
func (s *SQLStore) claimConditional(ctx context.Context, workerID string, keys []string) (*task.Task, error) {
	now := micros(s.now())

	args := []any{now}
	where := `status = 'PENDING' AND scheduled_at <= $1`
	if len(keys) > 0 {
		marks := make([]string, len(keys))
		for i, k := range keys {
			args = append(args, k)
			marks[i] = fmt.Sprintf("$%d", len(args))
		}
		where += ` AND resource_key IN (` + strings.Join(marks, ", ") + `)`
	}
	query := fmt.Sprintf(`SELECT id FROM tasks WHERE %s ORDER BY scheduled_at, created_at LIMIT %d`, where, claimBatch)

	ids, err := s.queryIDs(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select claim candidates: %w", err)
	}

	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = 'IN_PROGRESS', claimed_by = $1, claimed_at = $2, last_heartbeat_at = $2,
				updated_at = $2, claim_epoch = claim_epoch + 1, flagged_at = NULL
			WHERE id = $3 AND status = 'PENDING'
		`, workerID, now, id)
		if err != nil {
			return nil, fmt.Errorf("failed to claim task: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to check rows affected: %w", err)
		}
		if rows == 1 {
			return s.Get(ctx, id)
		}
	}
	return nil, nil
}

// queryIDs reads a single id column and closes the rows before returning,
// so callers can issue further statements on a single-connection pool.
func (s *SQLStore) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) queryTasks(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]*task.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// execLeased runs an UPDATE guarded by the lease predicate and maps a
// zero-row result onto ErrNotFound or ErrLeaseLost.
func (s *SQLStore) execLeased(ctx context.Context, lease task.Lease, set string, args ...any) error {
	n := len(args)
	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE id = $%d AND status = 'IN_PROGRESS' AND claimed_by = $%d AND claim_epoch = $%d`,
		set, n+1, n+2, n+3)
	args = append(args, lease.TaskID, lease.WorkerID, lease.Epoch)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.Get(ctx, lease.TaskID); err != nil {
			return err
		}
		return ErrLeaseLost
	}
	return nil
}

func (s *SQLStore) Heartbeat(ctx context.Context, lease task.Lease) error {
	now := micros(s.now())
	return s.execLeased(ctx, lease, `last_heartbeat_at = $1, updated_at = $1`, now)
}

func (s *SQLStore) Complete(ctx context.Context, lease task.Lease, result json.RawMessage) error {
	now := micros(s.now())
	return s.execLeased(ctx, lease, `status = 'COMPLETED', completed_at = $1, updated_at = $1, result = $2`,
		now, nullRaw(result))
}

func (s *SQLStore) Release(ctx context.Context, lease task.Lease, delay time.Duration) error {
	now := s.now()
	return s.execLeased(ctx, lease,
		`status = 'PENDING', scheduled_at = $1, updated_at = $2, claimed_by = NULL, claimed_at = NULL`,
		micros(now.Add(delay)), micros(now))
}

func (s *SQLStore) Fail(ctx context.Context, lease task.Lease, f Failure) (FailResult, error) {
	t, err := s.Get(ctx, lease.TaskID)
	if err != nil {
		return FailResult{}, err
	}
	if t.Status != task.StatusInProgress || t.ClaimedBy != lease.WorkerID || t.ClaimEpoch != lease.Epoch {
		return FailResult{}, ErrLeaseLost
	}

	// Attempts only change alongside a status edge, and the lease predicate
	// guarantees the status has not moved since the read above.
	now := s.now()
	status, attempts, scheduledAt := failTarget(t, f, now)
	set := `status = $1, attempts = $2, scheduled_at = $3, last_error = $4, updated_at = $5, flagged_at = NULL`
	if status == task.StatusPending {
		set += `, claimed_by = NULL, claimed_at = NULL`
	}
	err = s.execLeased(ctx, lease, set,
		string(status), attempts, micros(scheduledAt), task.TruncateError(f.Err), micros(now))
	if err != nil {
		return FailResult{}, err
	}
	return FailResult{Status: status, Attempts: attempts, ScheduledAt: scheduledAt}, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*task.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// transitionError explains why a status-guarded update matched no rows.
func (s *SQLStore) transitionError(ctx context.Context, id string, from, to task.Status) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != from {
		return fmt.Errorf("%w: %s -> %s", task.ErrInvalidTransition, t.Status, to)
	}
	return ErrConflict
}

func (s *SQLStore) execTransition(ctx context.Context, id string, from, to task.Status, set string, args ...any) error {
	n := len(args)
	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE id = $%d AND status = $%d`, set, n+1, n+2)
	args = append(args, id, string(from))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return s.transitionError(ctx, id, from, to)
	}
	return nil
}

func (s *SQLStore) Cancel(ctx context.Context, id string) error {
	now := micros(s.now())
	return s.execTransition(ctx, id, task.StatusPending, task.StatusCancelled,
		`status = 'CANCELLED', completed_at = $1, updated_at = $1`, now)
}

func (s *SQLStore) Requeue(ctx context.Context, id string, payload json.RawMessage) error {
	now := micros(s.now())
	if payload != nil {
		return s.execTransition(ctx, id, task.StatusDeadLetter, task.StatusPending,
			`status = 'PENDING', attempts = 0, scheduled_at = $1, updated_at = $1, claimed_by = NULL, claimed_at = NULL, payload = $2`,
			now, string(payload))
	}
	return s.execTransition(ctx, id, task.StatusDeadLetter, task.StatusPending,
		`status = 'PENDING', attempts = 0, scheduled_at = $1, updated_at = $1, claimed_by = NULL, claimed_at = NULL`, now)
}

func (s *SQLStore) Skip(ctx context.Context, id string, reason string) error {
	now := micros(s.now())
	return s.execTransition(ctx, id, task.StatusDeadLetter, task.StatusSkipped,
		`status = 'SKIPPED', completed_at = $1, updated_at = $1, result = $2`, now, string(skipResult(reason)))
}

func (s *SQLStore) ListDeadLetter(ctx context.Context, f Filter) ([]*task.Task, error) {
	args := []any{}
	where := []string{`status = 'DEAD_LETTER'`}
	if f.Type != "" {
		args = append(args, f.Type)
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if f.ResourceKey != "" {
		args = append(args, task.NormalizeResourceKey(f.ResourceKey))
		where = append(where, fmt.Sprintf("resource_key = $%d", len(args)))
	}
	args = append(args, f.limit(), max(f.Offset, 0))
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE %s ORDER BY updated_at DESC, id LIMIT $%d OFFSET $%d`,
		taskColumns, strings.Join(where, " AND "), len(args)-1, len(args))

	out, err := s.queryTasks(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return out, nil
}

const stuckPredicate = `status = 'IN_PROGRESS' AND COALESCE(last_heartbeat_at, claimed_at, updated_at) < $1`

func (s *SQLStore) ListStuck(ctx context.Context, threshold time.Duration) ([]*task.Task, error) {
	cutoff := micros(s.now().Add(-threshold))
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + stuckPredicate +
		` ORDER BY COALESCE(last_heartbeat_at, claimed_at, updated_at) LIMIT ` + fmt.Sprint(MaxListLimit)
	out, err := s.queryTasks(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck tasks: %w", err)
	}
	return out, nil
}

func (s *SQLStore) RecoverStuck(ctx context.Context, id string, threshold time.Duration, delay DelayFunc) (FailResult, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return FailResult{}, err
	}
	now := s.now()
	since := t.UpdatedAt
	if t.LastHeartbeatAt != nil {
		since = *t.LastHeartbeatAt
	} else if t.ClaimedAt != nil {
		since = *t.ClaimedAt
	}
	if t.Status != task.StatusInProgress || !since.Before(now.Add(-threshold)) {
		return FailResult{}, ErrNotStuck
	}

	msg := fmt.Sprintf("abandoned by worker %s: no heartbeat since %s", t.ClaimedBy, since.Format(time.RFC3339))
	status, attempts, scheduledAt := failTarget(t, Failure{Err: msg, Delay: delay}, now)
	set := `status = $2, attempts = $3, scheduled_at = $4, last_error = $5, updated_at = $6, flagged_at = NULL`
	if status == task.StatusPending {
		set += `, claimed_by = NULL, claimed_at = NULL`
	}
	// The epoch guard loses to a re-claim; the stuck predicate loses to a late heartbeat.
	query := `UPDATE tasks SET ` + set + ` WHERE id = $7 AND claim_epoch = $8 AND ` + stuckPredicate
	res, err := s.db.ExecContext(ctx, query,
		micros(now.Add(-threshold)), string(status), attempts, micros(scheduledAt), task.TruncateError(msg), micros(now),
		id, t.ClaimEpoch)
	if err != nil {
		return FailResult{}, fmt.Errorf("failed to recover stuck task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return FailResult{}, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return FailResult{}, ErrNotStuck
	}
	return FailResult{Status: status, Attempts: attempts, ScheduledAt: scheduledAt}, nil
}

func (s *SQLStore) FlagStuck(ctx context.Context, id string, threshold time.Duration) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET flagged_at = COALESCE(flagged_at, $2), updated_at = $2 WHERE id = $3 AND `+stuckPredicate,
		micros(now.Add(-threshold)), micros(now), id)
	if err != nil {
		return fmt.Errorf("failed to flag stuck task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotStuck
	}
	return nil
}

func (s *SQLStore) ListTerminal(ctx context.Context, f ArchiveFilter) ([]*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status IN ('COMPLETED', 'CANCELLED', 'SKIPPED') AND updated_at < $1
		ORDER BY updated_at, id LIMIT $2 OFFSET $3`
	out, err := s.queryTasks(ctx, query, micros(f.Before), Filter{Limit: f.Limit}.limit(), max(f.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to list terminal tasks: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Counts(ctx context.Context) (map[task.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[task.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[task.Status(status)] = n
	}
	return out, rows.Err()
}
