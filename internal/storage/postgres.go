package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobstream/internal/domain"
	"github.com/jmoiron/sqlx"
)

const schema = `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id        UUID PRIMARY KEY,
		job_type      TEXT NOT NULL,
		status        TEXT NOT NULL,
		input         JSONB NOT NULL,
		output        JSONB,
		error_message TEXT,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL,
		started_at    TIMESTAMPTZ,
		completed_at  TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs (created_at DESC, job_id DESC);
`

const selectColumns = `
	job_id, job_type, status, input, output, error_message,
	created_at, updated_at, started_at, completed_at
`

// jobRow is the database shape of a job
type jobRow struct {
	JobID        string         `db:"job_id"`
	JobType      string         `db:"job_type"`
	Status       string         `db:"status"`
	Input        []byte         `db:"input"`
	Output       []byte         `db:"output"`
	ErrorMessage sql.NullString `db:"error_message"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
	StartedAt    sql.NullTime   `db:"started_at"`
	CompletedAt  sql.NullTime   `db:"completed_at"`
}

func (r *jobRow) toDomain() *domain.Job {
	job := &domain.Job{
		ID:        r.JobID,
		Type:      r.JobType,
		Status:    domain.JobStatus(r.Status),
		Input:     r.Input,
		Output:    r.Output,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if r.ErrorMessage.Valid {
		msg := r.ErrorMessage.String
		job.ErrorMessage = &msg
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time.UTC()
		job.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time.UTC()
		job.CompletedAt = &t
	}
	return job
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// nullJSON keeps an absent output as SQL NULL rather than an empty JSONB value
func nullJSON(raw []byte) interface{} {
	if raw == nil {
		return nil
	}
	return raw
}

// PostgresStore is a JobStore backed by a PostgreSQL jobs table
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgresStore instance
func NewPostgresStore(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema creates the jobs table and its index when missing
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure jobs schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (
			job_id, job_type, status, input, output, error_message,
			created_at, updated_at, started_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.ID,
		job.Type,
		string(job.Status),
		[]byte(job.Input),
		nullJSON(job.Output),
		nullString(job.ErrorMessage),
		job.CreatedAt,
		job.UpdatedAt,
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	query := `SELECT ` + selectColumns + ` FROM jobs WHERE job_id = $1`

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return row.toDomain(), nil
}

// Update writes the mutable columns of job only if the stored status still
// equals expected. This is the optimistic claim every lifecycle write goes through.
func (s *PostgresStore) Update(ctx context.Context, job *domain.Job, expected domain.JobStatus) error {
	query := `
		UPDATE jobs
		SET status = $1,
			output = $2,
			error_message = $3,
			updated_at = $4,
			started_at = $5,
			completed_at = $6
		WHERE job_id = $7
		  AND status = $8
	`

	result, err := s.db.ExecContext(
		ctx,
		query,
		string(job.Status),
		nullJSON(job.Output),
		nullString(job.ErrorMessage),
		job.UpdatedAt,
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		job.ID,
		string(expected),
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	return s.checkConditional(ctx, result, job.ID, "update")
}

func (s *PostgresStore) Delete(ctx context.Context, id string, expected domain.JobStatus) error {
	query := `DELETE FROM jobs WHERE job_id = $1 AND status = $2`

	result, err := s.db.ExecContext(ctx, query, id, string(expected))
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	return s.checkConditional(ctx, result, id, "delete")
}

// checkConditional tells a missing job apart from a status mismatch when a
// guarded write touched no rows
func (s *PostgresStore) checkConditional(ctx context.Context, result sql.Result, id, op string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var status string
	err = s.db.GetContext(ctx, &status, `SELECT status FROM jobs WHERE job_id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("failed to check job status: %w", err)
	}

	s.logger.Warn("Conditional job write lost a race",
		slog.String("job_id", id),
		slog.String("op", op),
		slog.String("current_status", status),
	)
	return domain.ErrStaleJob
}

func (s *PostgresStore) List(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	query := `SELECT ` + selectColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Type != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, filter.Type)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"

	// One extra row tells the caller another page exists
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*domain.Job, len(rows))
	for i := range rows {
		jobs[i] = rows[i].toDomain()
	}
	return jobs, nil
}
