// Package store provides storage backends for the engagement engine.
//
// This file implements the PostgreSQL-backed store. The partial unique
// indexes from the migrations back the ON CONFLICT DO NOTHING claims.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
	"github.com/practiceos/engage/internal/models"
)

// Database connection pool configuration constants.
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database.
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool.
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused.
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveSubject(sub models.Subject) error {
	_, err := s.db.Exec(
		`INSERT INTO subjects
		 (id, kind, first_name, last_name, phone, email, status, opted_out, last_visit, treatment_pending_since, last_no_show_at, upcoming_booked, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind, first_name = EXCLUDED.first_name, last_name = EXCLUDED.last_name,
			phone = EXCLUDED.phone, email = EXCLUDED.email, status = EXCLUDED.status,
			opted_out = EXCLUDED.opted_out, last_visit = EXCLUDED.last_visit,
			treatment_pending_since = EXCLUDED.treatment_pending_since,
			last_no_show_at = EXCLUDED.last_no_show_at, upcoming_booked = EXCLUDED.upcoming_booked`,
		sub.ID, sub.Kind, sub.FirstName, nilIfEmpty(sub.LastName), nilIfEmpty(sub.Phone), nilIfEmpty(sub.Email),
		sub.Status, sub.OptedOut, nilIfZeroTime(sub.LastVisit), nilIfZeroTime(sub.TreatmentPending),
		nilIfZeroTime(sub.LastNoShowAt), sub.UpcomingBooked, sub.CreatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore.SaveSubject failed", "error", err, "subjectID", sub.ID)
		return fmt.Errorf("failed to save subject %s: %w", sub.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetSubject(id string) (*models.Subject, error) {
	row := s.db.QueryRow(`SELECT `+subjectColumns+` FROM subjects WHERE id = $1`, id)
	sub, err := scanSubject(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subject %s: %w", id, err)
	}
	return &sub, nil
}

func (s *PostgresStore) ListSubjects() ([]models.Subject, error) {
	rows, err := s.db.Query(`SELECT ` + subjectColumns + ` FROM subjects ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query subjects: %w", err)
	}
	defer rows.Close()

	var subjects []models.Subject
	for rows.Next() {
		sub, err := scanSubject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subject row: %w", err)
		}
		subjects = append(subjects, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subject rows: %w", err)
	}
	return subjects, nil
}

func (s *PostgresStore) CreateEnrollmentIfAbsent(e models.Enrollment) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO enrollments
		 (id, subject_id, sequence_name, sequence_version, category, trigger_reason, status, current_step_index, enrolled_at, last_advanced_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (subject_id, category) WHERE status = 'active' DO NOTHING`,
		e.ID, e.SubjectID, e.SequenceName, e.SequenceVersion, e.Category, nilIfEmpty(e.TriggerReason),
		e.Status, e.CurrentStepIndex, e.EnrolledAt, nilIfZeroTime(e.LastAdvancedAt), nilIfZeroTime(e.ResolvedAt),
	)
	if err != nil {
		return false, fmt.Errorf("create enrollment failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create enrollment rows affected: %w", err)
	}
	if n == 0 {
		slog.Debug("PostgresStore.CreateEnrollmentIfAbsent: duplicate active enrollment", "subjectID", e.SubjectID, "category", e.Category)
		return false, nil
	}
	return true, nil
}

func (s *PostgresStore) GetEnrollment(id string) (*models.Enrollment, error) {
	row := s.db.QueryRow(`SELECT `+enrollmentColumns+` FROM enrollments WHERE id = $1`, id)
	e, err := scanEnrollment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get enrollment %s: %w", id, err)
	}
	return &e, nil
}

func (s *PostgresStore) ListActiveEnrollments() ([]models.Enrollment, error) {
	rows, err := s.db.Query(`SELECT `+enrollmentColumns+` FROM enrollments WHERE status = $1 ORDER BY enrolled_at`, models.EnrollmentStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query active enrollments: %w", err)
	}
	defer rows.Close()

	var enrollments []models.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan enrollment row: %w", err)
		}
		enrollments = append(enrollments, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate enrollment rows: %w", err)
	}
	return enrollments, nil
}

func (s *PostgresStore) AdvanceEnrollment(id string, fromIndex int, at time.Time) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE enrollments SET current_step_index = $1, last_advanced_at = $2
		 WHERE id = $3 AND current_step_index = $4 AND status = $5`,
		fromIndex+1, at, id, fromIndex, models.EnrollmentStatusActive,
	)
	if err != nil {
		return false, fmt.Errorf("advance enrollment failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance enrollment rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) ResolveEnrollment(id string, from, to models.EnrollmentStatus, at time.Time) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE enrollments SET status = $1, resolved_at = $2 WHERE id = $3 AND status = $4`,
		to, at, id, from,
	)
	if err != nil {
		return false, fmt.Errorf("resolve enrollment failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve enrollment rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) ClaimStepExecution(se models.StepExecution) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO step_executions
		 (id, enrollment_id, subject_id, step_index, category, channel, template_key, status, body, provenance, error, superseded, due_at, queued_at, resolved_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT (enrollment_id, step_index) WHERE NOT superseded DO NOTHING`,
		se.ID, se.EnrollmentID, se.SubjectID, se.StepIndex, se.Category, se.Channel,
		nilIfEmpty(se.TemplateKey), se.Status, nilIfEmpty(se.Body), nilIfEmpty(se.Provenance), nilIfEmpty(se.ErrorMsg),
		se.Superseded, se.DueAt, nilIfZeroTime(se.QueuedAt), nilIfZeroTime(se.ResolvedAt), se.CreatedAt, se.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("claim step execution failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim step execution rows affected: %w", err)
	}
	if n == 0 {
		slog.Debug("PostgresStore.ClaimStepExecution: claim lost", "enrollmentID", se.EnrollmentID, "stepIndex", se.StepIndex)
		return false, nil
	}
	return true, nil
}

func (s *PostgresStore) GetStepExecution(id string) (*models.StepExecution, error) {
	row := s.db.QueryRow(`SELECT `+stepColumns+` FROM step_executions WHERE id = $1`, id)
	se, err := scanStepExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step execution %s: %w", id, err)
	}
	return &se, nil
}

func (s *PostgresStore) OpenStepExecution(enrollmentID string, stepIndex int) (*models.StepExecution, error) {
	row := s.db.QueryRow(
		`SELECT `+stepColumns+` FROM step_executions WHERE enrollment_id = $1 AND step_index = $2 AND NOT superseded`,
		enrollmentID, stepIndex,
	)
	se, err := scanStepExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open step execution: %w", err)
	}
	return &se, nil
}

func (s *PostgresStore) ListStepExecutionsByStatus(status models.StepStatus) ([]models.StepExecution, error) {
	rows, err := s.db.Query(
		`SELECT `+stepColumns+` FROM step_executions WHERE status = $1 AND NOT superseded ORDER BY due_at`,
		status,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query step executions: %w", err)
	}
	defer rows.Close()

	var steps []models.StepExecution
	for rows.Next() {
		se, err := scanStepExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step execution row: %w", err)
		}
		steps = append(steps, se)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate step execution rows: %w", err)
	}
	return steps, nil
}

func (s *PostgresStore) TransitionStepExecution(id string, from, to models.StepStatus, upd StepUpdate, at time.Time) (bool, error) {
	if err := checkTransition(from, to); err != nil {
		return false, err
	}
	res, err := s.db.Exec(
		`UPDATE step_executions SET
			status = $1,
			body = COALESCE($2, body),
			provenance = COALESCE($3, provenance),
			error = COALESCE($4, error),
			queued_at = CASE WHEN $5 THEN $6 ELSE queued_at END,
			resolved_at = CASE WHEN $7 THEN $8 ELSE resolved_at END,
			updated_at = $9
		 WHERE id = $10 AND status = $11`,
		to, nilIfEmpty(upd.Body), nilIfEmpty(upd.Provenance), nilIfEmpty(upd.ErrorMsg),
		to == models.StepStatusQueuedForApproval, at,
		models.IsTerminalStepStatus(to), at,
		at, id, from,
	)
	if err != nil {
		return false, fmt.Errorf("transition step execution failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition step execution rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) SupersedeStepExecution(id string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE step_executions SET superseded = TRUE
		 WHERE id = $1 AND NOT superseded
		   AND status IN ($2, $3, $4, $5, $6)`,
		id, models.StepStatusRejected, models.StepStatusFailed, models.StepStatusExpired,
		models.StepStatusSent, models.StepStatusSkipped,
	)
	if err != nil {
		return false, fmt.Errorf("supersede step execution failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("supersede step execution rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) ExpireQueuedBefore(cutoff, at time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE step_executions SET status = $1, resolved_at = $2, updated_at = $3
		 WHERE status = $4 AND queued_at < $5`,
		models.StepStatusExpired, at, at, models.StepStatusQueuedForApproval, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("expire queued step executions failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.ExpireQueuedBefore", "expired", n)
	}
	return int(n), nil
}

func (s *PostgresStore) AppendExecutionLog(entry models.ExecutionLogEntry) error {
	errorsJSON, byCategoryJSON, err := marshalLogDetails(entry)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO execution_log
		 (id, started_at, finished_at, scanned, newly_enrolled, steps_processed, steps_completed, expired, errors_json, by_category_json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID, entry.StartedAt, entry.FinishedAt, entry.Scanned, entry.NewlyEnrolled,
		entry.StepsProcessed, entry.StepsCompleted, entry.Expired, nilIfEmpty(errorsJSON), nilIfEmpty(byCategoryJSON),
	)
	if err != nil {
		return fmt.Errorf("append execution log failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListExecutionLogs(limit int) ([]models.ExecutionLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, started_at, finished_at, scanned, newly_enrolled, steps_processed, steps_completed, expired, errors_json, by_category_json
		 FROM execution_log ORDER BY started_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution log: %w", err)
	}
	defer rows.Close()

	var entries []models.ExecutionLogEntry
	for rows.Next() {
		entry, err := scanExecutionLog(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate execution log rows: %w", err)
	}
	return entries, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
