// Package store provides storage backends for the engagement engine.
//
// This file implements the SQLite-backed store. Uniqueness invariants are
// enforced with partial unique indexes, so INSERT OR IGNORE doubles as the
// atomic insert-if-absent operation for enrollments and step claims.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
	"github.com/practiceos/engage/internal/models"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveSubject(sub models.Subject) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO subjects
		 (id, kind, first_name, last_name, phone, email, status, opted_out, last_visit, treatment_pending_since, last_no_show_at, upcoming_booked, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.Kind, sub.FirstName, nilIfEmpty(sub.LastName), nilIfEmpty(sub.Phone), nilIfEmpty(sub.Email),
		sub.Status, sub.OptedOut, nilIfZeroTime(sub.LastVisit), nilIfZeroTime(sub.TreatmentPending),
		nilIfZeroTime(sub.LastNoShowAt), sub.UpcomingBooked, sub.CreatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore.SaveSubject failed", "error", err, "subjectID", sub.ID)
		return fmt.Errorf("failed to save subject %s: %w", sub.ID, err)
	}
	return nil
}

const subjectColumns = `id, kind, first_name, last_name, phone, email, status, opted_out, last_visit, treatment_pending_since, last_no_show_at, upcoming_booked, created_at`

func (s *SQLiteStore) GetSubject(id string) (*models.Subject, error) {
	row := s.db.QueryRow(`SELECT `+subjectColumns+` FROM subjects WHERE id = ?`, id)
	sub, err := scanSubject(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subject %s: %w", id, err)
	}
	return &sub, nil
}

func (s *SQLiteStore) ListSubjects() ([]models.Subject, error) {
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

func (s *SQLiteStore) CreateEnrollmentIfAbsent(e models.Enrollment) (bool, error) {
	// The partial unique index on (subject_id, category) WHERE status='active'
	// turns this into an atomic insert-if-absent.
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO enrollments
		 (id, subject_id, sequence_name, sequence_version, category, trigger_reason, status, current_step_index, enrolled_at, last_advanced_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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
		slog.Debug("SQLiteStore.CreateEnrollmentIfAbsent: duplicate active enrollment", "subjectID", e.SubjectID, "category", e.Category)
		return false, nil
	}
	return true, nil
}

const enrollmentColumns = `id, subject_id, sequence_name, sequence_version, category, trigger_reason, status, current_step_index, enrolled_at, last_advanced_at, resolved_at`

func (s *SQLiteStore) GetEnrollment(id string) (*models.Enrollment, error) {
	row := s.db.QueryRow(`SELECT `+enrollmentColumns+` FROM enrollments WHERE id = ?`, id)
	e, err := scanEnrollment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get enrollment %s: %w", id, err)
	}
	return &e, nil
}

func (s *SQLiteStore) ListActiveEnrollments() ([]models.Enrollment, error) {
	rows, err := s.db.Query(`SELECT `+enrollmentColumns+` FROM enrollments WHERE status = ? ORDER BY enrolled_at`, models.EnrollmentStatusActive)
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

func (s *SQLiteStore) AdvanceEnrollment(id string, fromIndex int, at time.Time) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE enrollments SET current_step_index = ?, last_advanced_at = ?
		 WHERE id = ? AND current_step_index = ? AND status = ?`,
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

func (s *SQLiteStore) ResolveEnrollment(id string, from, to models.EnrollmentStatus, at time.Time) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE enrollments SET status = ?, resolved_at = ? WHERE id = ? AND status = ?`,
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

func (s *SQLiteStore) ClaimStepExecution(se models.StepExecution) (bool, error) {
	// The partial unique index on (enrollment_id, step_index) WHERE
	// superseded=0 makes the claim exclusive across overlapping invocations.
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO step_executions
		 (id, enrollment_id, subject_id, step_index, category, channel, template_key, status, body, provenance, error, superseded, due_at, queued_at, resolved_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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
		slog.Debug("SQLiteStore.ClaimStepExecution: claim lost", "enrollmentID", se.EnrollmentID, "stepIndex", se.StepIndex)
		return false, nil
	}
	return true, nil
}

const stepColumns = `id, enrollment_id, subject_id, step_index, category, channel, template_key, status, body, provenance, error, superseded, due_at, queued_at, resolved_at, created_at, updated_at`

func (s *SQLiteStore) GetStepExecution(id string) (*models.StepExecution, error) {
	row := s.db.QueryRow(`SELECT `+stepColumns+` FROM step_executions WHERE id = ?`, id)
	se, err := scanStepExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step execution %s: %w", id, err)
	}
	return &se, nil
}

func (s *SQLiteStore) OpenStepExecution(enrollmentID string, stepIndex int) (*models.StepExecution, error) {
	row := s.db.QueryRow(
		`SELECT `+stepColumns+` FROM step_executions WHERE enrollment_id = ? AND step_index = ? AND superseded = 0`,
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

func (s *SQLiteStore) ListStepExecutionsByStatus(status models.StepStatus) ([]models.StepExecution, error) {
	rows, err := s.db.Query(
		`SELECT `+stepColumns+` FROM step_executions WHERE status = ? AND superseded = 0 ORDER BY due_at`,
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

func (s *SQLiteStore) TransitionStepExecution(id string, from, to models.StepStatus, upd StepUpdate, at time.Time) (bool, error) {
	if err := checkTransition(from, to); err != nil {
		return false, err
	}
	res, err := s.db.Exec(
		`UPDATE step_executions SET
			status = ?,
			body = COALESCE(?, body),
			provenance = COALESCE(?, provenance),
			error = COALESCE(?, error),
			queued_at = CASE WHEN ? THEN ? ELSE queued_at END,
			resolved_at = CASE WHEN ? THEN ? ELSE resolved_at END,
			updated_at = ?
		 WHERE id = ? AND status = ?`,
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

func (s *SQLiteStore) SupersedeStepExecution(id string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE step_executions SET superseded = 1
		 WHERE id = ? AND superseded = 0
		   AND status IN (?, ?, ?, ?, ?)`,
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

func (s *SQLiteStore) ExpireQueuedBefore(cutoff, at time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE step_executions SET status = ?, resolved_at = ?, updated_at = ?
		 WHERE status = ? AND queued_at < ?`,
		models.StepStatusExpired, at, at, models.StepStatusQueuedForApproval, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("expire queued step executions failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.ExpireQueuedBefore", "expired", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) AppendExecutionLog(entry models.ExecutionLogEntry) error {
	errorsJSON, byCategoryJSON, err := marshalLogDetails(entry)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO execution_log
		 (id, started_at, finished_at, scanned, newly_enrolled, steps_processed, steps_completed, expired, errors_json, by_category_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.StartedAt, entry.FinishedAt, entry.Scanned, entry.NewlyEnrolled,
		entry.StepsProcessed, entry.StepsCompleted, entry.Expired, nilIfEmpty(errorsJSON), nilIfEmpty(byCategoryJSON),
	)
	if err != nil {
		return fmt.Errorf("append execution log failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListExecutionLogs(limit int) ([]models.ExecutionLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, started_at, finished_at, scanned, newly_enrolled, steps_processed, steps_completed, expired, errors_json, by_category_json
		 FROM execution_log ORDER BY started_at DESC LIMIT ?`, limit,
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

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// marshalLogDetails serializes the variable-length parts of a log entry.
func marshalLogDetails(entry models.ExecutionLogEntry) (errorsJSON, byCategoryJSON string, err error) {
	if len(entry.Errors) > 0 {
		b, err := json.Marshal(entry.Errors)
		if err != nil {
			return "", "", fmt.Errorf("marshal log errors: %w", err)
		}
		errorsJSON = string(b)
	}
	if len(entry.ByCategory) > 0 {
		b, err := json.Marshal(entry.ByCategory)
		if err != nil {
			return "", "", fmt.Errorf("marshal log categories: %w", err)
		}
		byCategoryJSON = string(b)
	}
	return errorsJSON, byCategoryJSON, nil
}

// scanExecutionLog scans a log entry row and decodes its JSON detail columns.
func scanExecutionLog(r rowScanner) (models.ExecutionLogEntry, error) {
	var entry models.ExecutionLogEntry
	var errorsJSON, byCategoryJSON sql.NullString
	err := r.Scan(
		&entry.ID, &entry.StartedAt, &entry.FinishedAt, &entry.Scanned, &entry.NewlyEnrolled,
		&entry.StepsProcessed, &entry.StepsCompleted, &entry.Expired, &errorsJSON, &byCategoryJSON,
	)
	if err != nil {
		return entry, fmt.Errorf("failed to scan execution log row: %w", err)
	}
	if errorsJSON.Valid && errorsJSON.String != "" {
		if err := json.Unmarshal([]byte(errorsJSON.String), &entry.Errors); err != nil {
			return entry, fmt.Errorf("unmarshal log errors: %w", err)
		}
	}
	if byCategoryJSON.Valid && byCategoryJSON.String != "" {
		if err := json.Unmarshal([]byte(byCategoryJSON.String), &entry.ByCategory); err != nil {
			return entry, fmt.Errorf("unmarshal log categories: %w", err)
		}
	}
	return entry, nil
}
