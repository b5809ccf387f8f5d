package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"academy/internal/store"
)

// Manager drives sessions through Open -> Closed and records attendance.
type Manager struct {
	repo    Repository
	loc     *time.Location
	timeout time.Duration
	now     func() time.Time
}

// NewManager creates a manager. loc decides which calendar day "today" is.
func NewManager(repo Repository, loc *time.Location, timeout time.Duration) *Manager {
	if loc == nil {
		loc = time.UTC
	}
	return &Manager{repo: repo, loc: loc, timeout: timeout, now: time.Now}
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Open starts a session for classID today, or returns the one already open.
func (m *Manager) Open(ctx context.Context, teacherID, classID string, mode Mode) (Session, error) {
	if !mode.Valid() {
		return Session{}, ErrInvalidMode
	}
	ctx, cancel := store.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := m.checkTeacher(ctx, teacherID, classID); err != nil {
		return Session{}, err
	}
	now := m.now().UTC()
	today := day(now, m.loc)
	existing, err := m.repo.OpenSessionForClass(ctx, classID, today)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Session{}, err
	}
	return m.repo.CreateSession(ctx, Session{
		ID:        uuid.NewString(),
		ClassID:   classID,
		Date:      today,
		Mode:      mode,
		CreatedBy: teacherID,
		CreatedAt: now,
	})
}

// Authorize returns the session if it is open and teacherID owns its class.
func (m *Manager) Authorize(ctx context.Context, teacherID, sessionID string) (Session, error) {
	ctx, cancel := store.WithTimeout(ctx, m.timeout)
	defer cancel()

	s, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if !s.Open() {
		return Session{}, ErrSessionClosed
	}
	if err := m.checkTeacher(ctx, teacherID, s.ClassID); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Get returns a session by id.
func (m *Manager) Get(ctx context.Context, sessionID string) (Session, error) {
	ctx, cancel := store.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.repo.GetSession(ctx, sessionID)
}

// Record marks studentID present. The write fails with ErrSessionClosed after
// Close and with ErrDuplicateAttendance for a second record.
func (m *Manager) Record(ctx context.Context, sessionID, studentID, scannedBy string) (Record, error) {
	ctx, cancel := store.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.repo.InsertRecord(ctx, Record{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		StudentID: studentID,
		Status:    StatusPresent,
		ScannedBy: scannedBy,
		ScannedAt: m.now().UTC(),
	})
}

// Close stops the session from accepting scans. Closing is terminal.
func (m *Manager) Close(ctx context.Context, teacherID, sessionID string) (Session, error) {
	if _, err := m.Authorize(ctx, teacherID, sessionID); err != nil {
		return Session{}, err
	}
	ctx, cancel := store.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.repo.CloseSession(ctx, sessionID, m.now().UTC())
}

// Records lists a session's attendance for the owning teacher.
func (m *Manager) Records(ctx context.Context, teacherID, sessionID string) ([]Record, error) {
	ctx, cancel := store.WithTimeout(ctx, m.timeout)
	defer cancel()

	s, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := m.checkTeacher(ctx, teacherID, s.ClassID); err != nil {
		return nil, err
	}
	return m.repo.ListRecords(ctx, sessionID)
}

// ActiveFor finds today's open session in one of studentID's classes.
func (m *Manager) ActiveFor(ctx context.Context, studentID string) (Session, error) {
	ctx, cancel := store.WithTimeout(ctx, m.timeout)
	defer cancel()

	sessions, err := m.repo.ActiveSessionsForStudent(ctx, studentID, day(m.now(), m.loc))
	if err != nil {
		return Session{}, err
	}
	if len(sessions) == 0 {
		return Session{}, ErrNoActiveSession
	}
	return sessions[0], nil
}

func (m *Manager) checkTeacher(ctx context.Context, teacherID, classID string) error {
	owner, err := m.repo.ClassTeacher(ctx, classID)
	if err != nil {
		return err
	}
	if owner != teacherID {
		return ErrNotClassTeacher
	}
	return nil
}
