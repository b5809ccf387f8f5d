package ledger

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"academy/internal/store"
)

const resetAllConcurrency = 8

// ChargeRequest describes one store purchase. A charge carrying a TokenID
// that was already charged returns the earlier transaction.
type ChargeRequest struct {
	TokenID   string
	StudentID string
	ProgramID string
	Amount    decimal.Decimal
	ScannedBy string
	Location  string
	Notes     string
}

// Engine applies allowance and purchase rules on top of a Repository.
type Engine struct {
	repo    Repository
	loc     *time.Location
	timeout time.Duration
	now     func() time.Time
}

func NewEngine(repo Repository, loc *time.Location, timeout time.Duration) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{repo: repo, loc: loc, timeout: timeout, now: time.Now}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Today is the current allowance date in the engine's timezone.
func (e *Engine) Today() time.Time {
	return dateOnly(e.now().In(e.loc))
}

// dateOnly keeps the calendar day of t as a UTC midnight.
func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ResetDailyAllowance replaces the student's allowance for date. bonus
// defaults to zero.
func (e *Engine) ResetDailyAllowance(ctx context.Context, studentID string, date time.Time, base decimal.Decimal, bonus *decimal.Decimal) (Allowance, error) {
	b := decimal.Zero
	if bonus != nil {
		b = *bonus
	}
	if !validBase(base) || !validBase(b) {
		return Allowance{}, ErrInvalidAmount
	}
	ctx, cancel := store.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.repo.Reset(ctx, Allowance{
		ID:        uuid.NewString(),
		StudentID: studentID,
		Date:      dateOnly(date),
		Base:      base,
		Bonus:     b,
		Total:     base.Add(b),
		ResetAt:   e.now().UTC(),
	})
}

// ResetAll resets every student in studentIDs and returns how many succeeded.
// The first error cancels the remaining resets.
func (e *Engine) ResetAll(ctx context.Context, studentIDs []string, date time.Time, base decimal.Decimal) (int, error) {
	if !validBase(base) {
		return 0, ErrInvalidAmount
	}
	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resetAllConcurrency)
	for _, id := range studentIDs {
		g.Go(func() error {
			if _, err := e.ResetDailyAllowance(gctx, id, date, base, nil); err != nil {
				return err
			}
			done.Add(1)
			return nil
		})
	}
	err := g.Wait()
	return int(done.Load()), err
}

// BumpAllowance adds delta to the bonus of an existing allowance.
func (e *Engine) BumpAllowance(ctx context.Context, studentID string, date time.Time, delta decimal.Decimal) (Allowance, error) {
	if !validAmount(delta) {
		return Allowance{}, ErrInvalidAmount
	}
	ctx, cancel := store.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.repo.Bump(ctx, studentID, dateOnly(date), delta)
}

// Charge debits req.Amount from today's allowance. The balance check and the
// insert happen under the student's lock, so concurrent charges are ordered
// and their sum never exceeds the balance.
func (e *Engine) Charge(ctx context.Context, req ChargeRequest) (Transaction, error) {
	if !validAmount(req.Amount) {
		return Transaction{}, ErrInvalidAmount
	}
	ctx, cancel := store.WithTimeout(ctx, e.timeout)
	defer cancel()

	date := e.Today()
	return e.repo.Debit(ctx, req.StudentID, date, req.TokenID, func(bal Balance) (Transaction, error) {
		if req.Amount.GreaterThan(bal.Remaining) {
			return Transaction{}, ErrInsufficientBalance
		}
		return Transaction{
			ID:           uuid.NewString(),
			TokenID:      req.TokenID,
			StudentID:    req.StudentID,
			ProgramID:    req.ProgramID,
			Date:         date,
			Amount:       req.Amount,
			BalanceAfter: bal.Remaining.Sub(req.Amount),
			ScannedBy:    req.ScannedBy,
			Location:     req.Location,
			Notes:        req.Notes,
			CreatedAt:    e.now().UTC(),
		}, nil
	})
}

// Balance returns the derived balance for date.
func (e *Engine) Balance(ctx context.Context, studentID string, date time.Time) (Balance, error) {
	ctx, cancel := store.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.repo.Balance(ctx, studentID, dateOnly(date))
}

// Transactions lists the debits of date in insertion order.
func (e *Engine) Transactions(ctx context.Context, studentID string, date time.Time) ([]Transaction, error) {
	ctx, cancel := store.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.repo.Transactions(ctx, studentID, dateOnly(date))
}
