// Package audit records every side effect of the engine as a structured log
// line and, when a publisher is configured, as a queue message for the worker.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"academy/internal/queue"
)

// Event names.
const (
	SessionStarted    = "attendance.session.started"
	SessionClosed     = "attendance.session.closed"
	AttendanceIssued  = "attendance.token.issued"
	AttendanceScanned = "attendance.scan"
	StoreIssued       = "store.token.issued"
	StoreScanned      = "store.scan"
	AllowanceReset    = "allowance.reset"
	AllowanceResetAll = "allowance.reset_all"
	AllowanceBumped   = "allowance.bumped"
	TokenReleased     = "token.released"
)

// MessageType tags audit messages on the queue.
const MessageType = "audit"

const publishTimeout = 2 * time.Second

// Event is one audited action.
type Event struct {
	Name       string         `json:"event"`
	ActorID    string         `json:"actor_id"`
	ActorRole  string         `json:"actor_role"`
	TargetType string         `json:"target_type,omitempty"`
	TargetID   string         `json:"target_id,omitempty"`
	Outcome    string         `json:"outcome"`
	Details    map[string]any `json:"details,omitempty"`
	At         time.Time      `json:"at"`
}

// Publisher is the write side of a queue.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// Recorder writes audit events. The zero publisher only logs.
type Recorder struct {
	log     *logrus.Entry
	pub     Publisher
	timeout time.Duration
	now     func() time.Time
}

func NewRecorder(log *logrus.Entry, pub Publisher) *Recorder {
	return &Recorder{log: log, pub: pub, timeout: publishTimeout, now: time.Now}
}

// Record logs e and forwards it to the queue. Publishing is detached from the
// request's cancellation and its failure never fails the caller.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	if e.At.IsZero() {
		e.At = r.now().UTC()
	}
	entry := r.log.WithFields(Fields(e))
	if e.Outcome == OutcomeOK {
		entry.Info("audit")
	} else {
		entry.Warn("audit")
	}

	if r.pub == nil {
		return
	}
	body, err := json.Marshal(e)
	if err != nil {
		r.log.WithError(err).Error("audit event marshal failed")
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.pub.Publish(pctx, queue.Message{Type: MessageType, Body: body}); err != nil {
		r.log.WithError(err).WithField("event", e.Name).Warn("audit publish failed")
	}
}

// OutcomeOK marks a successful action; failures carry an error code.
const OutcomeOK = "ok"

// Fields flattens e for logrus.
func Fields(e Event) logrus.Fields {
	f := logrus.Fields{
		"event":      e.Name,
		"actor_id":   e.ActorID,
		"actor_role": e.ActorRole,
		"outcome":    e.Outcome,
	}
	if e.TargetType != "" {
		f["target_type"] = e.TargetType
		f["target_id"] = e.TargetID
	}
	for k, v := range e.Details {
		f[k] = v
	}
	return f
}

// Decode parses a queue message produced by Record.
func Decode(msg queue.Message) (Event, error) {
	var e Event
	err := json.Unmarshal(msg.Body, &e)
	return e, err
}
