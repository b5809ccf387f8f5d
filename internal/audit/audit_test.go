package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"academy/internal/queue"
)

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, queue.Message) error {
	return errors.New("queue down")
}

func TestRecordLogsAndPublishes(t *testing.T) {
	logger, hook := test.NewNullLogger()
	q := queue.NewInMemory(4)
	rec := NewRecorder(logger.WithField("service", "test"), q)

	rec.Record(context.Background(), Event{
		Name:       StoreScanned,
		ActorID:    "store-1",
		ActorRole:  "store",
		TargetType: "student",
		TargetID:   "stu-1",
		Outcome:    OutcomeOK,
		Details:    map[string]any{"amount": "12.50"},
	})

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, StoreScanned, entry.Data["event"])
	assert.Equal(t, "12.50", entry.Data["amount"])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := q.Consume(ctx)
	require.NoError(t, err)
	select {
	case msg := <-ch:
		e, err := Decode(msg)
		require.NoError(t, err)
		assert.Equal(t, "stu-1", e.TargetID)
		assert.False(t, e.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no message published")
	}
}

func TestRecordFailuresAreWarnings(t *testing.T) {
	logger, hook := test.NewNullLogger()
	rec := NewRecorder(logrus.NewEntry(logger), failingPublisher{})

	rec.Record(context.Background(), Event{Name: AttendanceScanned, Outcome: "ALREADY_USED"})

	require.Len(t, hook.Entries, 2)
	assert.Equal(t, logrus.WarnLevel, hook.Entries[0].Level)
	assert.Equal(t, "audit publish failed", hook.Entries[1].Message)
}

func TestNilRecorderIsNoop(t *testing.T) {
	var rec *Recorder
	rec.Record(context.Background(), Event{Name: SessionStarted})
}

func TestDrain(t *testing.T) {
	logger, _ := test.NewNullLogger()
	q := queue.NewInMemory(8)
	rec := NewRecorder(logrus.NewEntry(logger), q)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Publish(ctx, queue.Message{Type: "other"}))
	rec.Record(ctx, Event{Name: AllowanceReset, Outcome: OutcomeOK})
	rec.Record(ctx, Event{Name: AllowanceBumped, Outcome: OutcomeOK})

	var mu sync.Mutex
	var seen []string
	done := make(chan error, 1)
	go func() {
		done <- Drain(ctx, q, logrus.NewEntry(logger), func(_ context.Context, e Event) error {
			mu.Lock()
			seen = append(seen, e.Name)
			n := len(seen)
			mu.Unlock()
			if n == 2 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{AllowanceReset, AllowanceBumped}, seen)
}
