package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memClass struct {
	teacherID string
	active    bool
	students  map[string]bool
}

// MemoryRepository keeps sessions in process memory. Used by tests and the
// "memory" storage backend.
type MemoryRepository struct {
	mu       sync.Mutex
	classes  map[string]*memClass
	sessions map[string]Session
	records  map[string][]Record
}

// NewMemoryRepository creates an empty repo.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		classes:  make(map[string]*memClass),
		sessions: make(map[string]Session),
		records:  make(map[string][]Record),
	}
}

// AddClass registers an active class owned by teacherID.
func (r *MemoryRepository) AddClass(classID, teacherID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[classID] = &memClass{teacherID: teacherID, active: true, students: make(map[string]bool)}
}

// Enroll adds studentID to classID. Unknown classes are ignored.
func (r *MemoryRepository) Enroll(classID, studentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.classes[classID]; ok {
		c.students[studentID] = true
	}
}

func (r *MemoryRepository) ClassTeacher(_ context.Context, classID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.classes[classID]
	if !ok || !c.active {
		return "", ErrClassNotFound
	}
	return c.teacherID, nil
}

func (r *MemoryRepository) OpenSessionForClass(_ context.Context, classID string, date time.Time) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.openLocked(classID, date); ok {
		return s, nil
	}
	return Session{}, ErrNotFound
}

func (r *MemoryRepository) openLocked(classID string, date time.Time) (Session, bool) {
	for _, s := range r.sessions {
		if s.ClassID == classID && s.Date.Equal(date) && s.Open() {
			return s, true
		}
	}
	return Session{}, false
}

func (r *MemoryRepository) CreateSession(_ context.Context, s Session) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.classes[s.ClassID]; !ok {
		return Session{}, ErrClassNotFound
	}
	if existing, ok := r.openLocked(s.ClassID, s.Date); ok {
		return existing, nil
	}
	r.sessions[s.ID] = s
	return s, nil
}

func (r *MemoryRepository) GetSession(_ context.Context, sessionID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (r *MemoryRepository) CloseSession(_ context.Context, sessionID string, at time.Time) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	if !s.Open() {
		return Session{}, ErrSessionClosed
	}
	s.ClosedAt = &at
	r.sessions[sessionID] = s
	return s, nil
}

func (r *MemoryRepository) InsertRecord(_ context.Context, rec Record) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[rec.SessionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	if !s.Open() {
		return Record{}, ErrSessionClosed
	}
	c, ok := r.classes[s.ClassID]
	if !ok || !c.students[rec.StudentID] {
		return Record{}, ErrNotEnrolled
	}
	for _, existing := range r.records[rec.SessionID] {
		if existing.StudentID == rec.StudentID {
			return Record{}, ErrDuplicateAttendance
		}
	}
	r.records[rec.SessionID] = append(r.records[rec.SessionID], rec)
	return rec, nil
}

func (r *MemoryRepository) ListRecords(_ context.Context, sessionID string) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records[sessionID]))
	copy(out, r.records[sessionID])
	return out, nil
}

func (r *MemoryRepository) ActiveSessionsForStudent(_ context.Context, studentID string, date time.Time) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []Session
	for _, s := range r.sessions {
		c, ok := r.classes[s.ClassID]
		if !ok || !c.active || !c.students[studentID] {
			continue
		}
		if s.Open() && s.Date.Equal(date) {
			res = append(res, s)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}
