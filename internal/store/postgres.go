package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore backs the entry record and the counter with Postgres.
// The counter lives in a single-row table and every counter mutation
// goes through row-level locking, which is what serializes allocators
// across processes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.ensureCounterRow(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureCounterRow(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sequence_counter (id, current_number) VALUES (1, 1) ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("initializing sequence counter: %w", err)
	}
	return nil
}

const entryColumns = `id, text_body, status, sequence_number, external_ref, scheduled_time, submitted_at, decided_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(
		&e.ID, &e.Text, &e.Status, &e.SequenceNumber,
		&e.ExternalRef, &e.ScheduledTime, &e.SubmittedAt, &e.DecidedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning entry: %w", err)
	}
	return &e, nil
}

// mapPgError folds unique violations on the sequence number into the
// package invariant error.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateNumber
	}
	return err
}

func (s *PostgresStore) CreateEntry(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.SubmittedAt.IsZero() {
		e.SubmittedAt = time.Now()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO entries (`+entryColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.Text, e.Status, e.SequenceNumber, e.ExternalRef, e.ScheduledTime, e.SubmittedAt, e.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting entry: %w", mapPgError(err))
	}
	return nil
}

func (s *PostgresStore) GetEntry(ctx context.Context, id string) (*Entry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = $1`, id)
	return scanEntry(row)
}

func (s *PostgresStore) UpdateEntry(ctx context.Context, e *Entry) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entries
		 SET text_body = $2, status = $3, sequence_number = $4,
		     external_ref = $5, scheduled_time = $6, decided_at = $7
		 WHERE id = $1`,
		e.ID, e.Text, e.Status, e.SequenceNumber, e.ExternalRef, e.ScheduledTime, e.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("updating entry: %w", mapPgError(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteEntry(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM entries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status) ([]*Entry, error) {
	order := `submitted_at ASC`
	switch status {
	case StatusScheduled:
		order = `scheduled_time ASC NULLS LAST, sequence_number ASC NULLS LAST`
	case StatusDenied:
		order = `decided_at ASC NULLS LAST`
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE status = $1 ORDER BY `+order, status)
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SwapScheduled(ctx context.Context, idA, idB string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// The unique constraint on sequence_number is deferrable so the
		// exchange can pass through the transient duplicate.
		if _, err := tx.Exec(ctx, `SET CONSTRAINTS entries_sequence_number_key DEFERRED`); err != nil {
			return fmt.Errorf("deferring uniqueness: %w", err)
		}

		a, err := scanEntry(tx.QueryRow(ctx,
			`SELECT `+entryColumns+` FROM entries WHERE id = $1 FOR UPDATE`, idA))
		if err != nil {
			return err
		}
		b, err := scanEntry(tx.QueryRow(ctx,
			`SELECT `+entryColumns+` FROM entries WHERE id = $1 FOR UPDATE`, idB))
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE entries SET sequence_number = $2, scheduled_time = $3 WHERE id = $1`,
			a.ID, b.SequenceNumber, b.ScheduledTime); err != nil {
			return fmt.Errorf("swapping entry %s: %w", a.ID, mapPgError(err))
		}
		if _, err := tx.Exec(ctx,
			`UPDATE entries SET sequence_number = $2, scheduled_time = $3 WHERE id = $1`,
			b.ID, a.SequenceNumber, a.ScheduledTime); err != nil {
			return fmt.Errorf("swapping entry %s: %w", b.ID, mapPgError(err))
		}
		return nil
	})
}

func (s *PostgresStore) AddSubmission(ctx context.Context, submittedKey, text string) (bool, error) {
	added := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO intake_submissions (submitted_key) VALUES ($1) ON CONFLICT (submitted_key) DO NOTHING`,
			submittedKey)
		if err != nil {
			return fmt.Errorf("recording submission key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil // already ingested
		}

		submittedAt := time.Now()
		if ts, perr := time.Parse(time.RFC3339, submittedKey); perr == nil {
			submittedAt = ts
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO entries (id, text_body, status, submitted_at) VALUES ($1, $2, $3, $4)`,
			uuid.NewString(), text, StatusPending, submittedAt)
		if err != nil {
			return fmt.Errorf("inserting submission entry: %w", err)
		}
		added = true
		return nil
	})
	return added, err
}

func (s *PostgresStore) CleanupDenied(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM entries WHERE status = $1 AND decided_at < $2`, StatusDenied, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up denied entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM entries GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting entries: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int, len(Statuses))
	for _, st := range Statuses {
		stats[st] = 0
	}
	for rows.Next() {
		var st Status
		var count int
		if err := rows.Scan(&st, &count); err != nil {
			return nil, fmt.Errorf("scanning stats: %w", err)
		}
		stats[st] = count
	}
	return stats, rows.Err()
}

func (s *PostgresStore) AllocateNext(ctx context.Context) (int, error) {
	var next int
	err := s.pool.QueryRow(ctx,
		`UPDATE sequence_counter SET current_number = current_number + 1 WHERE id = 1
		 RETURNING current_number - 1`).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("allocating sequence number: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) Release(ctx context.Context, n int) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var current int
		if err := tx.QueryRow(ctx,
			`SELECT current_number FROM sequence_counter WHERE id = 1 FOR UPDATE`).Scan(&current); err != nil {
			return fmt.Errorf("reading counter: %w", err)
		}
		if n != current-1 {
			return ErrInvalidRelease
		}
		if _, err := tx.Exec(ctx,
			`UPDATE sequence_counter SET current_number = current_number - 1 WHERE id = 1`); err != nil {
			return fmt.Errorf("decrementing counter: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) ResetCounter(ctx context.Context, n int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sequence_counter SET current_number = $1 WHERE id = 1`, n)
	if err != nil {
		return fmt.Errorf("resetting counter: %w", err)
	}
	return nil
}

func (s *PostgresStore) CurrentNumber(ctx context.Context) (int, error) {
	var current int
	err := s.pool.QueryRow(ctx,
		`SELECT current_number FROM sequence_counter WHERE id = 1`).Scan(&current)
	if err != nil {
		return 0, fmt.Errorf("reading counter: %w", err)
	}
	return current, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
