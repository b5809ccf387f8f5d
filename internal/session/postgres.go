package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"academy/internal/store"
)

const (
	pgUniqueViolation  = "23505"
	pgInvalidTextInput = "22P02"
)

const sessionColumns = `session_id, class_id, date, mode, created_by, created_at, closed_at`

// PostgresRepository persists sessions and records in Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repo.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var s Session
	var mode string
	var closedAt sql.NullTime
	if err := row.Scan(&s.ID, &s.ClassID, &s.Date, &mode, &s.CreatedBy, &s.CreatedAt, &closedAt); err != nil {
		return Session{}, err
	}
	s.Mode = Mode(mode)
	if closedAt.Valid {
		t := closedAt.Time
		s.ClosedAt = &t
	}
	return s, nil
}

// ClassTeacher returns the teacher user id owning an active class.
func (r *PostgresRepository) ClassTeacher(ctx context.Context, classID string) (string, error) {
	var teacherID string
	err := r.db.QueryRowContext(ctx, `SELECT teacher_id FROM classes WHERE class_id = $1 AND active`, classID).Scan(&teacherID)
	if err != nil {
		return "", mapErr("class teacher", err, ErrClassNotFound)
	}
	return teacherID, nil
}

// OpenSessionForClass returns the unclosed session of classID on date.
func (r *PostgresRepository) OpenSessionForClass(ctx context.Context, classID string, date time.Time) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions
		WHERE class_id = $1 AND date = $2 AND closed_at IS NULL
	`, classID, date)
	s, err := scanSession(row)
	if err != nil {
		return Session{}, mapErr("open session", err, ErrNotFound)
	}
	return s, nil
}

// CreateSession inserts s. If another open session for the same class and
// day won the race, that one is returned instead.
func (r *PostgresRepository) CreateSession(ctx context.Context, s Session) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_sessions (session_id, class_id, date, mode, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (class_id, date) WHERE closed_at IS NULL DO NOTHING
		RETURNING `+sessionColumns,
		s.ID, s.ClassID, s.Date, string(s.Mode), s.CreatedBy, s.CreatedAt)
	created, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r.OpenSessionForClass(ctx, s.ClassID, s.Date)
	}
	if err != nil {
		return Session{}, mapErr("create session", err, ErrClassNotFound)
	}
	return created, nil
}

// GetSession returns a session by id.
func (r *PostgresRepository) GetSession(ctx context.Context, sessionID string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM attendance_sessions WHERE session_id = $1`, sessionID)
	s, err := scanSession(row)
	if err != nil {
		return Session{}, mapErr("get session", err, ErrNotFound)
	}
	return s, nil
}

// CloseSession stamps closed_at once. The row lock it takes orders it against
// in-flight InsertRecord calls.
func (r *PostgresRepository) CloseSession(ctx context.Context, sessionID string, at time.Time) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE attendance_sessions SET closed_at = $2
		WHERE session_id = $1 AND closed_at IS NULL
		RETURNING `+sessionColumns, sessionID, at)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.GetSession(ctx, sessionID); getErr != nil {
			return Session{}, getErr
		}
		return Session{}, ErrSessionClosed
	}
	if err != nil {
		return Session{}, mapErr("close session", err, ErrNotFound)
	}
	return s, nil
}

// InsertRecord writes an attendance record inside a transaction that holds a
// share lock on the session row, so a concurrent close either happens before
// (ErrSessionClosed) or after the record commits.
func (r *PostgresRepository) InsertRecord(ctx context.Context, rec Record) (Record, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, store.Unavailable("insert record: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	var classID string
	var closedAt sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT class_id, closed_at FROM attendance_sessions WHERE session_id = $1 FOR SHARE
	`, rec.SessionID).Scan(&classID, &closedAt)
	if err != nil {
		return Record{}, mapErr("insert record: session", err, ErrNotFound)
	}
	if closedAt.Valid {
		return Record{}, ErrSessionClosed
	}

	var enrolled bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM class_enrollments WHERE class_id = $1 AND student_id = $2)
	`, classID, rec.StudentID).Scan(&enrolled)
	if err != nil {
		return Record{}, mapErr("insert record: enrollment", err, ErrNotEnrolled)
	}
	if !enrolled {
		return Record{}, ErrNotEnrolled
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO attendance_records (record_id, session_id, student_id, status, scanned_by, scanned_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING scanned_at
	`, rec.ID, rec.SessionID, rec.StudentID, string(rec.Status), rec.ScannedBy, rec.ScannedAt).Scan(&rec.ScannedAt)
	if err != nil {
		return Record{}, mapErr("insert record", err, ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, mapErr("insert record: commit", err, ErrNotFound)
	}
	return rec, nil
}

// ListRecords returns a session's records in scan order.
func (r *PostgresRepository) ListRecords(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT record_id, session_id, student_id, status, scanned_by, scanned_at
		FROM attendance_records WHERE session_id = $1
		ORDER BY scanned_at
	`, sessionID)
	if err != nil {
		return nil, mapErr("list records", err, ErrNotFound)
	}
	defer rows.Close()

	var res []Record
	for rows.Next() {
		var rec Record
		var status string
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &status, &rec.ScannedBy, &rec.ScannedAt); err != nil {
			return nil, store.Unavailable("list records: scan", err)
		}
		rec.Status = Status(status)
		res = append(res, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("list records", err)
	}
	return res, nil
}

// ActiveSessionsForStudent lists open sessions on date in classes the student
// is enrolled in, newest first.
func (r *PostgresRepository) ActiveSessionsForStudent(ctx context.Context, studentID string, date time.Time) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.session_id, s.class_id, s.date, s.mode, s.created_by, s.created_at, s.closed_at
		FROM attendance_sessions s
		JOIN class_enrollments e ON e.class_id = s.class_id
		JOIN classes c ON c.class_id = s.class_id
		WHERE e.student_id = $1 AND s.date = $2 AND s.closed_at IS NULL AND c.active
		ORDER BY s.created_at DESC
	`, studentID, date)
	if err != nil {
		return nil, mapErr("active sessions", err, ErrNoActiveSession)
	}
	defer rows.Close()

	var res []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, store.Unavailable("active sessions: scan", err)
		}
		res = append(res, s)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("active sessions", err)
	}
	return res, nil
}

// mapErr turns driver errors into domain errors; anything unrecognised is
// treated as an infrastructure failure.
func mapErr(op string, err error, notFound error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return ErrDuplicateAttendance
		case pgInvalidTextInput:
			return notFound
		}
	}
	return store.Unavailable(op, err)
}
