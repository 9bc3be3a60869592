package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id            BIGINT PRIMARY KEY,
	type          TEXT NOT NULL,
	data          JSONB NOT NULL DEFAULT '{}',
	state         TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	worker_id     TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_type_state_id_idx ON jobs (type, state, id);
`

// rankSQL mirrors stateRank for the upsert guard
const rankSQL = `CASE %s WHEN 'created' THEN 0 WHEN 'enqueued' THEN 1 WHEN 'active' THEN 2 ELSE 3 END`

// PostgresStore keeps job records in PostgreSQL
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store on an open database
func NewPostgresStore(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// Migrate creates the jobs table if missing
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate jobs table: %w", err)
	}
	return nil
}

// Save upserts the record unless the stored state is further along
func (s *PostgresStore) Save(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO jobs (id, type, data, state, error_message, worker_id, created_at, updated_at)
		VALUES (:id, :type, :data, :state, :error_message, :worker_id, :created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE
		SET state = EXCLUDED.state,
		    error_message = EXCLUDED.error_message,
		    worker_id = CASE WHEN EXCLUDED.worker_id <> '' THEN EXCLUDED.worker_id ELSE jobs.worker_id END,
		    updated_at = EXCLUDED.updated_at
		WHERE ` + fmt.Sprintf(rankSQL, "jobs.state") + ` <= ` + fmt.Sprintf(rankSQL, "EXCLUDED.state")

	if _, err := s.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("failed to save job %d: %w", rec.ID, err)
	}

	s.logger.Debug("Job record saved",
		slog.Int64("job_id", rec.ID),
		slog.String("state", rec.State),
	)

	return nil
}

// Get retrieves a job record by id
func (s *PostgresStore) Get(ctx context.Context, id int64) (*Record, error) {
	query := `
		SELECT id, type, data, state, error_message, worker_id, created_at, updated_at
		FROM jobs
		WHERE id = $1
	`

	var rec Record
	if err := s.db.GetContext(ctx, &rec, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job %d: %w", id, err)
	}

	return &rec, nil
}

// List returns records in id order, optionally filtered by type and state
func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]Record, error) {
	query := `
		SELECT id, type, data, state, error_message, worker_id, created_at, updated_at
		FROM jobs
		WHERE id > $1
	`
	args := []interface{}{filter.AfterID}
	argIdx := 2

	if filter.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, filter.Type)
		argIdx++
	}

	if filter.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, filter.State)
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY id ASC LIMIT $%d", argIdx)
	args = append(args, filter.limit())

	var records []Record
	if err := s.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return records, nil
}
