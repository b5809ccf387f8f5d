package identity

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"academy/internal/store"
)

// Student is the local cache row linking a directory user to a student id.
type Student struct {
	ID        string `json:"student_id"`
	UserID    string `json:"user_id"`
	ProgramID string `json:"program_id"`
	FullName  string `json:"full_name"`
	Active    bool   `json:"is_active"`
}

// Students resolves the student_id <-> user_id mapping.
type Students interface {
	ByUserID(ctx context.Context, userID string) (Student, error)
	ByID(ctx context.Context, studentID string) (Student, error)
	ActiveIDs(ctx context.Context) ([]string, error)
}

// PostgresStudents reads the students table.
type PostgresStudents struct {
	db *sql.DB
}

func NewPostgresStudents(db *sql.DB) *PostgresStudents {
	return &PostgresStudents{db: db}
}

const studentColumns = `student_id, user_id, program_id, full_name, is_active`

func (s *PostgresStudents) ByUserID(ctx context.Context, userID string) (Student, error) {
	return s.one(ctx, `SELECT `+studentColumns+` FROM students WHERE user_id = $1`, userID)
}

func (s *PostgresStudents) ByID(ctx context.Context, studentID string) (Student, error) {
	return s.one(ctx, `SELECT `+studentColumns+` FROM students WHERE student_id = $1`, studentID)
}

func (s *PostgresStudents) one(ctx context.Context, query, arg string) (Student, error) {
	var st Student
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&st.ID, &st.UserID, &st.ProgramID, &st.FullName, &st.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return Student{}, ErrUnknownUser
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
		return Student{}, ErrUnknownUser
	}
	if err != nil {
		return Student{}, store.Unavailable("student lookup", err)
	}
	return st, nil
}

func (s *PostgresStudents) ActiveIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT student_id FROM students WHERE is_active ORDER BY student_id`)
	if err != nil {
		return nil, store.Unavailable("active students", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, store.Unavailable("active students: scan", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("active students", err)
	}
	return ids, nil
}

// MemoryStudents is an in-memory Students.
type MemoryStudents struct {
	mu   sync.RWMutex
	byID map[string]Student
}

func NewMemoryStudents(students ...Student) *MemoryStudents {
	m := &MemoryStudents{byID: make(map[string]Student)}
	for _, st := range students {
		m.Add(st)
	}
	return m
}

func (m *MemoryStudents) Add(st Student) {
	m.mu.Lock()
	m.byID[st.ID] = st
	m.mu.Unlock()
}

func (m *MemoryStudents) ByUserID(_ context.Context, userID string) (Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, st := range m.byID {
		if st.UserID == userID {
			return st, nil
		}
	}
	return Student{}, ErrUnknownUser
}

func (m *MemoryStudents) ByID(_ context.Context, studentID string) (Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.byID[studentID]
	if !ok {
		return Student{}, ErrUnknownUser
	}
	return st, nil
}

func (m *MemoryStudents) ActiveIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, st := range m.byID {
		if st.Active {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Resolver combines the directory and the student cache to answer "who is
// acting" and "is this subject a valid student".
type Resolver struct {
	dir      Directory
	students Students
	timeout  time.Duration
}

func NewResolver(dir Directory, students Students, timeout time.Duration) *Resolver {
	return &Resolver{dir: dir, students: students, timeout: timeout}
}

// Actor checks that userID is active in the directory and holds role. A
// directory entry without a role (skip mode) accepts the claimed role.
func (r *Resolver) Actor(ctx context.Context, userID string, role Role) (User, error) {
	ctx, cancel := store.WithTimeout(ctx, r.timeout)
	defer cancel()

	u, err := r.dir.Lookup(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if !u.Active() {
		return User{}, ErrInactiveUser
	}
	if u.Role == "" {
		u.Role = role
	}
	if u.Role != role {
		return User{}, ErrRoleMismatch
	}
	return u, nil
}

// Student maps a student user to their active student row.
func (r *Resolver) Student(ctx context.Context, userID string) (Student, error) {
	ctx, cancel := store.WithTimeout(ctx, r.timeout)
	defer cancel()

	st, err := r.students.ByUserID(ctx, userID)
	if err != nil {
		return Student{}, err
	}
	if !st.Active {
		return Student{}, ErrInactiveUser
	}
	return st, nil
}

// StudentByID returns an active student by student id.
func (r *Resolver) StudentByID(ctx context.Context, studentID string) (Student, error) {
	ctx, cancel := store.WithTimeout(ctx, r.timeout)
	defer cancel()

	st, err := r.students.ByID(ctx, studentID)
	if err != nil {
		return Student{}, err
	}
	if !st.Active {
		return Student{}, ErrInactiveUser
	}
	return st, nil
}

// CheckSubject accepts active students as token subjects.
func (r *Resolver) CheckSubject(ctx context.Context, studentID string) error {
	_, err := r.StudentByID(ctx, studentID)
	return err
}

// ActiveStudentIDs lists every active student.
func (r *Resolver) ActiveStudentIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := store.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.students.ActiveIDs(ctx)
}
