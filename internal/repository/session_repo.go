package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/voglster/lumbergh-sub000/internal/model"
)

const sessionColumns = `id, name, command, workdir, env, status, exit_code, pid, log_file_path, idle_state, created_at, updated_at`

// SessionRepository provides data access for sessions.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts a new session. A taken name yields model.ErrSessionExists.
func (r *SessionRepository) Create(ctx context.Context, session *model.Session) error {
	envJSON, err := session.EnvToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize env: %w", err)
	}

	query := `
		INSERT INTO sessions (id, name, command, workdir, env, status, pid, log_file_path, idle_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, query,
		session.ID,
		session.Name,
		session.Command,
		session.Workdir,
		envJSON,
		session.Status,
		session.PID,
		session.LogFilePath,
		session.IdleState,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", model.ErrSessionExists, session.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// GetByID retrieves a session by its ID.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// GetByName retrieves a session by its unique name.
func (r *SessionRepository) GetByName(ctx context.Context, name string) (*model.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE name = ?`, name)
	return scanSession(row)
}

// List retrieves all sessions, oldest first.
func (r *SessionRepository) List(ctx context.Context) ([]*model.Session, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at ASC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// Delete removes a session from the database.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return expectOneRow(result)
}

// Rename changes a session's name. A taken name yields model.ErrSessionExists.
func (r *SessionRepository) Rename(ctx context.Context, id, name string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET name = ?, updated_at = ? WHERE id = ?`,
		name, time.Now(), id)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", model.ErrSessionExists, name)
	}
	if err != nil {
		return fmt.Errorf("failed to rename session: %w", err)
	}
	return expectOneRow(result)
}

// UpdateStatus updates the status and exit code of a session.
func (r *SessionRepository) UpdateStatus(ctx context.Context, id string, status model.SessionStatus, exitCode *int) error {
	query := `
		UPDATE sessions
		SET status = ?, exit_code = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query, status, exitCode, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return expectOneRow(result)
}

// MarkRunning records a freshly spawned process for a session.
func (r *SessionRepository) MarkRunning(ctx context.Context, id string, pid int) error {
	query := `
		UPDATE sessions
		SET status = ?, exit_code = NULL, pid = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query, model.SessionStatusRunning, pid, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark session running: %w", err)
	}
	return expectOneRow(result)
}

// UpdateIdleState stores the last idle classification of a session.
func (r *SessionRepository) UpdateIdleState(ctx context.Context, id, state string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET idle_state = ?, updated_at = ? WHERE id = ?`,
		state, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update idle state: %w", err)
	}
	return nil
}

// MarkOrphansExited flags every session still recorded as running as exited.
// Processes do not survive a server restart, so this runs once at startup.
func (r *SessionRepository) MarkOrphansExited(ctx context.Context) (int, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, pid = NULL, updated_at = ? WHERE status = ?`,
		model.SessionStatusExited, time.Now(), model.SessionStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to mark orphaned sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// CountActive returns the number of running sessions.
func (r *SessionRepository) CountActive(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE status = ?`,
		model.SessionStatusRunning).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return count, nil
}

// Exists checks if a session with the given name exists.
func (r *SessionRepository) Exists(ctx context.Context, name string) (bool, error) {
	var exists int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE name = ? LIMIT 1`, name).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check session existence: %w", err)
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	session := &model.Session{}
	var (
		workdir   sql.NullString
		envJSON   sql.NullString
		exitCode  sql.NullInt64
		pid       sql.NullInt64
		idleState sql.NullString
	)

	err := row.Scan(
		&session.ID,
		&session.Name,
		&session.Command,
		&workdir,
		&envJSON,
		&session.Status,
		&exitCode,
		&pid,
		&session.LogFilePath,
		&idleState,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	session.Workdir = workdir.String
	session.IdleState = idleState.String
	if envJSON.Valid {
		if err := session.EnvFromJSON(envJSON.String); err != nil {
			return nil, fmt.Errorf("failed to parse env: %w", err)
		}
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		session.ExitCode = &code
	}
	if pid.Valid {
		p := int(pid.Int64)
		session.PID = &p
	}

	return session, nil
}

func expectOneRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrSessionNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
