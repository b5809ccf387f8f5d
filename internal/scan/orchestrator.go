// Package scan turns scanned QR tokens into attendance records and store
// debits. A redemption whose durable write fails is released again, so a
// token is either consumed together with its write or not at all.
package scan

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"academy/internal/audit"
	"academy/internal/identity"
	"academy/internal/ledger"
	"academy/internal/session"
	"academy/internal/token"
)

// Actor is the authenticated caller.
type Actor struct {
	UserID string
	Role   identity.Role
}

// Deps wires an Orchestrator.
type Deps struct {
	Tokens           *token.Service
	Sessions         *session.Manager
	Ledger           *ledger.Engine
	People           *identity.Resolver
	Audit            *audit.Recorder
	Metrics          *Metrics
	Log              *logrus.Entry
	DefaultAllowance decimal.Decimal
}

// Orchestrator coordinates the token service with the durable stores.
type Orchestrator struct {
	tokens           *token.Service
	sessions         *session.Manager
	ledger           *ledger.Engine
	people           *identity.Resolver
	audit            *audit.Recorder
	metrics          *Metrics
	log              *logrus.Entry
	defaultAllowance decimal.Decimal
}

func New(d Deps) *Orchestrator {
	if d.Metrics == nil {
		d.Metrics = NewMetrics(nil)
	}
	if d.Log == nil {
		d.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Orchestrator{
		tokens:           d.Tokens,
		sessions:         d.Sessions,
		ledger:           d.Ledger,
		people:           d.People,
		audit:            d.Audit,
		metrics:          d.Metrics,
		log:              d.Log,
		defaultAllowance: d.DefaultAllowance,
	}
}

// ScanAttendanceRequest is a teacher's scan of a student's attendance token.
type ScanAttendanceRequest struct {
	Token     string `json:"token" binding:"required"`
	SessionID string `json:"session_id" binding:"required"`
}

// ScanStoreRequest is a store clerk's scan of a student's store token.
type ScanStoreRequest struct {
	Token    string          `json:"token" binding:"required"`
	Amount   decimal.Decimal `json:"amount"`
	Location string          `json:"location"`
	Notes    string          `json:"notes"`
}

// OpenSession starts (or returns) today's session for a class the teacher owns.
func (o *Orchestrator) OpenSession(ctx context.Context, actor Actor, classID string, mode session.Mode) (session.Session, error) {
	if err := o.authorize(ctx, actor, identity.RoleTeacher); err != nil {
		return session.Session{}, err
	}
	s, err := o.sessions.Open(ctx, actor.UserID, classID, mode)
	o.record(ctx, actor, audit.SessionStarted, "class", classID, err, map[string]any{"session_id": s.ID, "mode": string(mode)})
	return s, err
}

// CloseSession stops a session from accepting scans.
func (o *Orchestrator) CloseSession(ctx context.Context, actor Actor, sessionID string) (session.Session, error) {
	if err := o.authorize(ctx, actor, identity.RoleTeacher); err != nil {
		return session.Session{}, err
	}
	s, err := o.sessions.Close(ctx, actor.UserID, sessionID)
	o.record(ctx, actor, audit.SessionClosed, "session", sessionID, err, nil)
	return s, err
}

// SessionRecords lists a session's attendance for its teacher.
func (o *Orchestrator) SessionRecords(ctx context.Context, actor Actor, sessionID string) ([]session.Record, error) {
	if err := o.authorize(ctx, actor, identity.RoleTeacher); err != nil {
		return nil, err
	}
	return o.sessions.Records(ctx, actor.UserID, sessionID)
}

// IssueAttendance hands a student an attendance token for sessionID, or for
// their active session today when sessionID is empty. Dynamic sessions get
// the current rotating token.
func (o *Orchestrator) IssueAttendance(ctx context.Context, actor Actor, sessionID string) (token.Token, error) {
	t, err := o.issueAttendance(ctx, actor, sessionID)
	o.metrics.Issued.WithLabelValues(string(token.PurposeAttendance), Code(err)).Inc()
	o.record(ctx, actor, audit.AttendanceIssued, "session", t.Context, err, nil)
	return t, err
}

func (o *Orchestrator) issueAttendance(ctx context.Context, actor Actor, sessionID string) (token.Token, error) {
	if err := o.authorize(ctx, actor, identity.RoleStudent); err != nil {
		return token.Token{}, err
	}
	st, err := o.people.Student(ctx, actor.UserID)
	if err != nil {
		return token.Token{}, err
	}

	var s session.Session
	if sessionID == "" {
		s, err = o.sessions.ActiveFor(ctx, st.ID)
	} else {
		s, err = o.sessions.Get(ctx, sessionID)
		if err == nil && !s.Open() {
			err = session.ErrSessionClosed
		}
	}
	if err != nil {
		return token.Token{}, err
	}

	if s.Mode == session.ModeDynamic {
		return o.tokens.Rotate(ctx, st.ID, token.PurposeAttendance, s.ID)
	}
	return o.tokens.Issue(ctx, st.ID, token.PurposeAttendance, s.ID)
}

// IssueStore hands a student a store token.
func (o *Orchestrator) IssueStore(ctx context.Context, actor Actor) (token.Token, error) {
	t, err := o.issueStore(ctx, actor)
	o.metrics.Issued.WithLabelValues(string(token.PurposeStore), Code(err)).Inc()
	o.record(ctx, actor, audit.StoreIssued, "student", t.SubjectID, err, nil)
	return t, err
}

func (o *Orchestrator) issueStore(ctx context.Context, actor Actor) (token.Token, error) {
	if err := o.authorize(ctx, actor, identity.RoleStudent); err != nil {
		return token.Token{}, err
	}
	st, err := o.people.Student(ctx, actor.UserID)
	if err != nil {
		return token.Token{}, err
	}
	return o.tokens.Issue(ctx, st.ID, token.PurposeStore, "")
}

// ScanAttendance redeems a student's attendance token and records presence.
func (o *Orchestrator) ScanAttendance(ctx context.Context, actor Actor, req ScanAttendanceRequest) (session.Record, error) {
	start := time.Now()
	rec, subjectID, err := o.scanAttendance(ctx, actor, req)
	o.observe(token.PurposeAttendance, start, err)
	o.record(ctx, actor, audit.AttendanceScanned, "session", req.SessionID, err, map[string]any{"student_id": subjectID})
	return rec, err
}

// scanAttendance also reports the redeemed subject, which is known even when
// recording fails.
func (o *Orchestrator) scanAttendance(ctx context.Context, actor Actor, req ScanAttendanceRequest) (session.Record, string, error) {
	if err := o.authorize(ctx, actor, identity.RoleTeacher); err != nil {
		return session.Record{}, "", err
	}
	if _, err := o.sessions.Authorize(ctx, actor.UserID, req.SessionID); err != nil {
		return session.Record{}, "", err
	}
	t, err := o.tokens.Redeem(ctx, req.Token, token.PurposeAttendance, req.SessionID)
	if err != nil {
		return session.Record{}, "", err
	}
	rec, err := o.sessions.Record(ctx, req.SessionID, t.SubjectID, actor.UserID)
	if err != nil {
		o.release(ctx, actor, t, err)
		return session.Record{}, t.SubjectID, err
	}
	return rec, t.SubjectID, nil
}

// ScanStore redeems a student's store token and charges the amount.
func (o *Orchestrator) ScanStore(ctx context.Context, actor Actor, req ScanStoreRequest) (ledger.Transaction, error) {
	start := time.Now()
	tx, subjectID, err := o.scanStore(ctx, actor, req)
	o.observe(token.PurposeStore, start, err)
	o.record(ctx, actor, audit.StoreScanned, "student", subjectID, err, map[string]any{
		"amount":         req.Amount.StringFixed(2),
		"transaction_id": tx.ID,
		"location":       req.Location,
	})
	return tx, err
}

// scanStore charges under the token's id, so a rescan after a lost commit
// acknowledgement returns the original transaction instead of charging again.
// That is what makes releasing the token on every charge failure safe.
func (o *Orchestrator) scanStore(ctx context.Context, actor Actor, req ScanStoreRequest) (ledger.Transaction, string, error) {
	if err := o.authorize(ctx, actor, identity.RoleStore); err != nil {
		return ledger.Transaction{}, "", err
	}
	// Reject malformed amounts before the token is spent.
	if !req.Amount.IsPositive() {
		return ledger.Transaction{}, "", ledger.ErrInvalidAmount
	}
	t, err := o.tokens.Redeem(ctx, req.Token, token.PurposeStore, "")
	if err != nil {
		return ledger.Transaction{}, "", err
	}
	st, err := o.people.StudentByID(ctx, t.SubjectID)
	if err != nil {
		o.release(ctx, actor, t, err)
		return ledger.Transaction{}, t.SubjectID, err
	}
	tx, err := o.ledger.Charge(ctx, ledger.ChargeRequest{
		TokenID:   t.ID,
		StudentID: st.ID,
		ProgramID: st.ProgramID,
		Amount:    req.Amount,
		ScannedBy: actor.UserID,
		Location:  req.Location,
		Notes:     req.Notes,
	})
	if err != nil {
		o.release(ctx, actor, t, err)
		return ledger.Transaction{}, t.SubjectID, err
	}
	return tx, t.SubjectID, nil
}

// ResetAllowance replaces a student's allowance for date (today when zero).
// base defaults to the configured daily allowance.
func (o *Orchestrator) ResetAllowance(ctx context.Context, actor Actor, studentID string, date time.Time, base, bonus *decimal.Decimal) (ledger.Allowance, error) {
	a, err := o.resetAllowance(ctx, actor, studentID, date, base, bonus)
	o.record(ctx, actor, audit.AllowanceReset, "student", studentID, err, map[string]any{"total": a.Total.StringFixed(2)})
	return a, err
}

func (o *Orchestrator) resetAllowance(ctx context.Context, actor Actor, studentID string, date time.Time, base, bonus *decimal.Decimal) (ledger.Allowance, error) {
	if err := o.authorize(ctx, actor, identity.RoleAdmin); err != nil {
		return ledger.Allowance{}, err
	}
	amount := o.defaultAllowance
	if base != nil {
		amount = *base
	}
	return o.ledger.ResetDailyAllowance(ctx, studentID, o.dateOrToday(date), amount, bonus)
}

// ResetAllAllowances resets every active student and reports how many were reset.
func (o *Orchestrator) ResetAllAllowances(ctx context.Context, actor Actor, date time.Time, base *decimal.Decimal) (int, error) {
	n, err := o.resetAll(ctx, actor, date, base)
	o.record(ctx, actor, audit.AllowanceResetAll, "", "", err, map[string]any{"count": n})
	return n, err
}

func (o *Orchestrator) resetAll(ctx context.Context, actor Actor, date time.Time, base *decimal.Decimal) (int, error) {
	if err := o.authorize(ctx, actor, identity.RoleAdmin); err != nil {
		return 0, err
	}
	amount := o.defaultAllowance
	if base != nil {
		amount = *base
	}
	ids, err := o.people.ActiveStudentIDs(ctx)
	if err != nil {
		return 0, err
	}
	return o.ledger.ResetAll(ctx, ids, o.dateOrToday(date), amount)
}

// BumpAllowance adds delta to a student's bonus for date (today when zero).
func (o *Orchestrator) BumpAllowance(ctx context.Context, actor Actor, studentID string, date time.Time, delta decimal.Decimal) (ledger.Allowance, error) {
	a, err := o.bump(ctx, actor, studentID, date, delta)
	o.record(ctx, actor, audit.AllowanceBumped, "student", studentID, err, map[string]any{
		"delta": delta.StringFixed(2),
		"total": a.Total.StringFixed(2),
	})
	return a, err
}

func (o *Orchestrator) bump(ctx context.Context, actor Actor, studentID string, date time.Time, delta decimal.Decimal) (ledger.Allowance, error) {
	if err := o.authorize(ctx, actor, identity.RoleAdmin); err != nil {
		return ledger.Allowance{}, err
	}
	return o.ledger.BumpAllowance(ctx, studentID, o.dateOrToday(date), delta)
}

// Balance returns today's balance. Students see their own; admins pass the
// student id they want.
func (o *Orchestrator) Balance(ctx context.Context, actor Actor, studentID string) (ledger.Balance, error) {
	id, err := o.ledgerSubject(ctx, actor, studentID)
	if err != nil {
		return ledger.Balance{}, err
	}
	return o.ledger.Balance(ctx, id, o.ledger.Today())
}

// Transactions lists a student's debits for date (today when zero), with the
// same visibility rules as Balance.
func (o *Orchestrator) Transactions(ctx context.Context, actor Actor, studentID string, date time.Time) ([]ledger.Transaction, error) {
	id, err := o.ledgerSubject(ctx, actor, studentID)
	if err != nil {
		return nil, err
	}
	return o.ledger.Transactions(ctx, id, o.dateOrToday(date))
}

// ledgerSubject resolves whose ledger actor may read: students see their own,
// admins name one.
func (o *Orchestrator) ledgerSubject(ctx context.Context, actor Actor, studentID string) (string, error) {
	switch actor.Role {
	case identity.RoleStudent:
		if err := o.authorize(ctx, actor, identity.RoleStudent); err != nil {
			return "", err
		}
		st, err := o.people.Student(ctx, actor.UserID)
		if err != nil {
			return "", err
		}
		return st.ID, nil
	case identity.RoleAdmin:
		if err := o.authorize(ctx, actor, identity.RoleAdmin); err != nil {
			return "", err
		}
		return studentID, nil
	default:
		return "", ErrRoleMismatch
	}
}

// authorize requires the claimed role to match want and the directory to
// confirm it.
func (o *Orchestrator) authorize(ctx context.Context, actor Actor, want identity.Role) error {
	if actor.Role != want {
		return ErrRoleMismatch
	}
	_, err := o.people.Actor(ctx, actor.UserID, want)
	return err
}

// release undoes a redemption after its durable write failed. It runs even if
// the request context is already done.
func (o *Orchestrator) release(ctx context.Context, actor Actor, t token.Token, cause error) {
	released, err := o.tokens.Release(context.WithoutCancel(ctx), t.ID)
	o.metrics.Releases.WithLabelValues(string(t.Purpose), boolLabel(released)).Inc()
	entry := o.log.WithFields(logrus.Fields{
		"purpose":    t.Purpose,
		"subject_id": t.SubjectID,
		"cause":      Code(cause),
		"released":   released,
	})
	if err != nil {
		entry.WithError(err).Error("token release failed")
	} else {
		entry.Debug("token released")
	}
	o.record(ctx, actor, audit.TokenReleased, "student", t.SubjectID, err, map[string]any{
		"cause":    Code(cause),
		"released": released,
	})
}

func (o *Orchestrator) observe(purpose token.Purpose, start time.Time, err error) {
	o.metrics.Scans.WithLabelValues(string(purpose), Code(err)).Inc()
	o.metrics.Duration.WithLabelValues(string(purpose)).Observe(time.Since(start).Seconds())
}

func (o *Orchestrator) record(ctx context.Context, actor Actor, name, targetType, targetID string, err error, details map[string]any) {
	outcome := audit.OutcomeOK
	if err != nil {
		outcome = Code(err)
	}
	o.audit.Record(ctx, audit.Event{
		Name:       name,
		ActorID:    actor.UserID,
		ActorRole:  string(actor.Role),
		TargetType: targetType,
		TargetID:   targetID,
		Outcome:    outcome,
		Details:    details,
	})
}

func (o *Orchestrator) dateOrToday(date time.Time) time.Time {
	if date.IsZero() {
		return o.ledger.Today()
	}
	return date
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
