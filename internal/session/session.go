// Package session owns the lifecycle of class attendance sessions and the
// attendance records created from redeemed tokens.
package session

import (
	"context"
	"errors"
	"time"
)

// Mode selects how attendance tokens are issued for a session.
type Mode string

const (
	ModeStatic  Mode = "static"
	ModeDynamic Mode = "dynamic"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m == ModeStatic || m == ModeDynamic }

// Status of an attendance record.
type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
)

var (
	ErrNotFound            = errors.New("session not found")
	ErrSessionClosed       = errors.New("session closed")
	ErrDuplicateAttendance = errors.New("attendance already recorded")
	ErrNotClassTeacher     = errors.New("teacher does not own this class")
	ErrClassNotFound       = errors.New("class not found")
	ErrNotEnrolled         = errors.New("student not enrolled in class")
	ErrNoActiveSession     = errors.New("no active session")
	ErrInvalidMode         = errors.New("invalid attendance mode")
)

// Session is one class's attendance window. Open until ClosedAt is set.
type Session struct {
	ID        string     `json:"session_id"`
	ClassID   string     `json:"class_id"`
	Date      time.Time  `json:"date"`
	Mode      Mode       `json:"mode"`
	CreatedBy string     `json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// Open reports whether the session still accepts scans.
func (s Session) Open() bool { return s.ClosedAt == nil }

// Record is a single student's attendance in a session.
type Record struct {
	ID        string    `json:"record_id"`
	SessionID string    `json:"session_id"`
	StudentID string    `json:"student_id"`
	Status    Status    `json:"status"`
	ScannedBy string    `json:"scanned_by"`
	ScannedAt time.Time `json:"scanned_at"`
}

// Repository persists sessions and records. InsertRecord must check that the
// session is open and enforce (session, student) uniqueness in the same
// atomic write.
type Repository interface {
	ClassTeacher(ctx context.Context, classID string) (string, error)
	OpenSessionForClass(ctx context.Context, classID string, date time.Time) (Session, error)
	CreateSession(ctx context.Context, s Session) (Session, error)
	GetSession(ctx context.Context, sessionID string) (Session, error)
	CloseSession(ctx context.Context, sessionID string, at time.Time) (Session, error)
	InsertRecord(ctx context.Context, r Record) (Record, error)
	ListRecords(ctx context.Context, sessionID string) ([]Record, error)
	ActiveSessionsForStudent(ctx context.Context, studentID string, date time.Time) ([]Session, error)
}

func day(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
