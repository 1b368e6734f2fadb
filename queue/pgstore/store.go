// Package pgstore implements queue.Store on PostgreSQL. Claims use
// FOR UPDATE SKIP LOCKED so concurrent workers never receive the same row.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/UniQw/edgepurge/queue"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// dbtx is satisfied by both the pool and a transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides queue operations on a pgx pool.
type Store struct {
	pool  *pgxpool.Pool
	db    dbtx
	lease time.Duration
	now   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithReservationLease overrides queue.DefaultReservationLease.
func WithReservationLease(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.lease = d
		}
	}
}

// New creates a Store. Call EnsureSchema once before use.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, db: pool, lease: queue.DefaultReservationLease, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ queue.Store = (*Store)(nil)

// EnsureSchema creates the queue tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *Store) execTx(ctx context.Context, fn func(*Store) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		// Never use the caller ctx for cleanup as it may be cancelled.
		rbCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if rbErr := tx.Rollback(rbCtx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			err = errors.Join(err, fmt.Errorf("rollback failed: %w", rbErr))
		}
	}()

	txStore := &Store{pool: s.pool, db: tx, lease: s.lease, now: s.now}
	if err = fn(txStore); err != nil {
		return err
	}

	commitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err = tx.Commit(commitCtx); err != nil {
		return err
	}
	committed = true
	return nil
}

// timestamptz keeps microseconds.
func (s *Store) ts() time.Time { return s.now().UTC().Truncate(time.Microsecond) }

const itemColumns = `seq, id, queue, payload, fingerprint, parent_id, parent_queue, state,
	attempts, created_at, reserved_at, updated_at, sealed_at`

type row struct {
	seq int64
	it  *queue.Item
}

func scanRows(rows pgx.Rows) ([]row, error) {
	defer rows.Close()
	var out []row
	for rows.Next() {
		var (
			r                    row
			it                   queue.Item
			state                string
			reservedAt, sealedAt *time.Time
		)
		if err := rows.Scan(&r.seq, &it.ID, &it.Queue, &it.Payload, &it.Fingerprint,
			&it.ParentID, &it.ParentQueue, &state, &it.Attempts,
			&it.CreatedAt, &reservedAt, &it.UpdatedAt, &sealedAt); err != nil {
			return nil, err
		}
		st, err := queue.ParseState(state)
		if err != nil {
			return nil, err
		}
		it.State = st
		it.CreatedAt = it.CreatedAt.UTC()
		it.UpdatedAt = it.UpdatedAt.UTC()
		if reservedAt != nil {
			it.ReservedAt = reservedAt.UTC()
		}
		if sealedAt != nil {
			it.SealedAt = sealedAt.UTC()
		}
		r.it = &it
		out = append(out, r)
	}
	return out, rows.Err()
}

// items returns the rows ordered by seq, which is queue order.
func items(rs []row) []*queue.Item {
	sort.Slice(rs, func(i, j int) bool { return rs[i].seq < rs[j].seq })
	out := make([]*queue.Item, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.it)
	}
	return out
}

func (s *Store) query(ctx context.Context, sql string, args ...any) ([]row, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return scanRows(rows)
}

func (s *Store) Add(ctx context.Context, q string, payload []byte, opts ...queue.AddOption) (*queue.Item, error) {
	if q == "" {
		return nil, queue.ErrEmptyQueueName
	}
	o := queue.BuildAddOptions(opts...)
	var out *queue.Item
	err := s.execTx(ctx, func(tx *Store) error {
		now := tx.ts()
		rs, err := tx.query(ctx, `
			INSERT INTO purge_queue_items
				(id, queue, payload, fingerprint, parent_id, parent_queue, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
			ON CONFLICT (queue, fingerprint) WHERE state IN ('pending', 'reserved')
			DO UPDATE SET updated_at = EXCLUDED.updated_at
			RETURNING `+itemColumns,
			uuid.NewString(), q, payload, queue.Fingerprint(payload), o.Parent.ID, o.Parent.Queue, now)
		if err != nil {
			return err
		}
		if len(rs) != 1 {
			return fmt.Errorf("pgstore: add returned %d rows", len(rs))
		}
		out = rs[0].it
		if o.Parent.IsZero() {
			return nil
		}
		_, err = tx.db.Exec(ctx, `
			INSERT INTO purge_queue_children (parent_queue, parent_id, child_queue, child_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING`,
			o.Parent.Queue, o.Parent.ID, q, out.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetAndReserveItems(ctx context.Context, q string, limit int, onlyUnreserved bool) ([]*queue.Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []row
	err := s.execTx(ctx, func(tx *Store) error {
		now := tx.ts()
		rs, err := tx.query(ctx, `
			UPDATE purge_queue_items
			SET state = 'reserved', attempts = attempts + 1, reserved_at = $3, updated_at = $3
			WHERE seq IN (
				SELECT seq FROM purge_queue_items
				WHERE queue = $1 AND state = 'pending'
				ORDER BY seq
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+itemColumns, q, limit, now)
		if err != nil {
			return err
		}
		out = rs
		if onlyUnreserved || len(out) >= limit {
			return nil
		}
		taken := make([]int64, 0, len(out))
		for _, r := range out {
			taken = append(taken, r.seq)
		}
		rs, err = tx.query(ctx, `
			UPDATE purge_queue_items
			SET attempts = attempts + 1, reserved_at = $3, updated_at = $3
			WHERE seq IN (
				SELECT seq FROM purge_queue_items
				WHERE queue = $1 AND state = 'reserved' AND reserved_at <= $4
					AND NOT (seq = ANY($5))
				ORDER BY seq
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+itemColumns, q, limit-len(out), now, now.Add(-tx.lease), taken)
		if err != nil {
			return err
		}
		out = append(out, rs...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items(out), nil
}

func (s *Store) GetUnfinishedPreviouslyAttemptedItems(ctx context.Context, q string, maxAttempts, limit int, touch bool, opts ...queue.SelectOption) ([]*queue.Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	o := queue.BuildSelectOptions(opts...)
	now := s.ts()
	const where = `queue = $1 AND state = 'reserved' AND attempts < $2 AND reserved_at <= $4
		AND ($5 = false OR sealed_at IS NULL)`
	var (
		rs  []row
		err error
	)
	if touch {
		rs, err = s.query(ctx, `
			UPDATE purge_queue_items
			SET attempts = attempts + 1, reserved_at = $6, updated_at = $6
			WHERE seq IN (
				SELECT seq FROM purge_queue_items WHERE `+where+`
				ORDER BY seq
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+itemColumns, q, maxAttempts, limit, now.Add(-s.lease), o.SkipSealed, now)
	} else {
		rs, err = s.query(ctx, `
			SELECT `+itemColumns+` FROM purge_queue_items WHERE `+where+`
			ORDER BY seq
			LIMIT $3`, q, maxAttempts, limit, now.Add(-s.lease), o.SkipSealed)
	}
	if err != nil {
		return nil, err
	}
	return items(rs), nil
}

func (s *Store) CompleteItems(ctx context.Context, q string, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE purge_queue_items SET state = 'completed', updated_at = $3
		WHERE queue = $1 AND id = ANY($2) AND state = 'reserved'`, q, ids, s.ts())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) ReleaseItems(ctx context.Context, q string, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE purge_queue_items SET state = 'pending', reserved_at = NULL, updated_at = $3
		WHERE queue = $1 AND id = ANY($2) AND state = 'reserved'`, q, ids, s.ts())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) SealItems(ctx context.Context, q string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		UPDATE purge_queue_items SET sealed_at = $3
		WHERE queue = $1 AND id = ANY($2) AND state IN ('pending', 'reserved')`, q, ids, s.ts())
	return err
}

func (s *Store) FlagMaxAttemptedItemsAsFailed(ctx context.Context, q string, maxAttempts int, opts ...queue.SelectOption) ([]*queue.Item, error) {
	o := queue.BuildSelectOptions(opts...)
	rs, err := s.query(ctx, `
		UPDATE purge_queue_items SET state = 'failed', updated_at = $3
		WHERE queue = $1 AND state = 'reserved' AND attempts >= $2
			AND ($4 = false OR sealed_at IS NULL)
		RETURNING `+itemColumns, q, maxAttempts, s.ts(), o.SkipSealed)
	if err != nil {
		return nil, err
	}
	return items(rs), nil
}

func (s *Store) GetUnfinishedItemsByParent(ctx context.Context, q string, parent queue.Ref) ([]*queue.Item, error) {
	rs, err := s.query(ctx, `
		SELECT `+itemColumns+` FROM purge_queue_items
		WHERE queue = $1 AND state IN ('pending', 'reserved') AND id IN (
			SELECT child_id FROM purge_queue_children
			WHERE parent_queue = $2 AND parent_id = $3 AND child_queue = $1
		)`, q, parent.Queue, parent.ID)
	if err != nil {
		return nil, err
	}
	return items(rs), nil
}

func (s *Store) ChildQueues(ctx context.Context, parent queue.Ref) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT child_queue FROM purge_queue_children
		WHERE parent_queue = $1 AND parent_id = $2
		ORDER BY child_queue`, parent.Queue, parent.ID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) ForgetChildren(ctx context.Context, parent queue.Ref) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM purge_queue_children WHERE parent_queue = $1 AND parent_id = $2`,
		parent.Queue, parent.ID)
	return err
}

func (s *Store) ClearQueue(ctx context.Context, q string, skipConstraint bool) (int, error) {
	states := []string{string(queue.StatePending)}
	if skipConstraint {
		states = append(states, string(queue.StateReserved))
	}
	var n int
	err := s.execTx(ctx, func(tx *Store) error {
		rows, err := tx.db.Query(ctx, `
			DELETE FROM purge_queue_items WHERE queue = $1 AND state = ANY($2)
			RETURNING id`, q, states)
		if err != nil {
			return err
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}
		n = len(ids)
		if n == 0 {
			return nil
		}
		_, err = tx.db.Exec(ctx, `
			DELETE FROM purge_queue_children WHERE parent_queue = $1 AND parent_id = ANY($2)`, q, ids)
		return err
	})
	return n, err
}

func (s *Store) GetItem(ctx context.Context, q, id string) (*queue.Item, error) {
	rs, err := s.query(ctx, `SELECT `+itemColumns+` FROM purge_queue_items WHERE queue = $1 AND id = $2`, q, id)
	if err != nil {
		return nil, err
	}
	if len(rs) == 0 {
		return nil, queue.ErrItemNotFound
	}
	return rs[0].it, nil
}

func (s *Store) ListItems(ctx context.Context, q string, state queue.State, limit int) ([]*queue.Item, error) {
	if _, err := queue.ParseState(string(state)); err != nil {
		return nil, err
	}
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rs, err := s.query(ctx, `
		SELECT `+itemColumns+` FROM purge_queue_items
		WHERE queue = $1 AND state = $2
		ORDER BY seq
		LIMIT $3`, q, string(state), lim)
	if err != nil {
		return nil, err
	}
	return items(rs), nil
}

func (s *Store) Count(ctx context.Context, q string, state queue.State) (int64, error) {
	if _, err := queue.ParseState(string(state)); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM purge_queue_items WHERE queue = $1 AND state = $2`,
		q, string(state)).Scan(&n)
	return n, err
}

func (s *Store) CollectGarbage(ctx context.Context, q string, olderThan time.Time, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	var n int
	err := s.execTx(ctx, func(tx *Store) error {
		rows, err := tx.db.Query(ctx, `
			DELETE FROM purge_queue_items
			WHERE seq IN (
				SELECT seq FROM purge_queue_items
				WHERE queue = $1 AND state IN ('completed', 'failed') AND updated_at < $2
				ORDER BY seq
				LIMIT $3
			)
			RETURNING id`, q, olderThan.UTC(), limit)
		if err != nil {
			return err
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}
		n = len(ids)
		if n == 0 {
			return nil
		}
		_, err = tx.db.Exec(ctx, `
			DELETE FROM purge_queue_children WHERE parent_queue = $1 AND parent_id = ANY($2)`, q, ids)
		return err
	})
	return n, err
}

func (s *Store) Lock(ctx context.Context, q string, ttl time.Duration) (queue.Unlock, error) {
	token := uuid.NewString()
	now := s.ts()
	var got string
	err := s.db.QueryRow(ctx, `
		INSERT INTO purge_queue_locks (name, token, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
		WHERE purge_queue_locks.expires_at <= $4
		RETURNING token`, q, token, now.Add(ttl), now).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, queue.ErrLocked
	}
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `DELETE FROM purge_queue_locks WHERE name = $1 AND token = $2`, q, token)
		return err
	}, nil
}
