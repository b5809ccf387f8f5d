// Package ledger is the durable source of truth for daily allowances and
// store purchases. All amounts are fixed-point decimals with two places.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound            = errors.New("no allowance for this date")
	ErrUnknownStudent      = errors.New("unknown student")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Allowance is a student's spendable budget for one day. Total = Base + Bonus.
type Allowance struct {
	ID        string          `json:"allowance_id"`
	StudentID string          `json:"student_id"`
	Date      time.Time       `json:"date"`
	Base      decimal.Decimal `json:"base_amount"`
	Bonus     decimal.Decimal `json:"bonus_amount"`
	Total     decimal.Decimal `json:"total_amount"`
	ResetAt   time.Time       `json:"reset_at"`
}

// Transaction is an append-only store debit. TokenID names the store token
// that paid for it; at most one transaction exists per token.
type Transaction struct {
	ID           string          `json:"transaction_id"`
	TokenID      string          `json:"token_id,omitempty"`
	StudentID    string          `json:"student_id"`
	ProgramID    string          `json:"program_id"`
	Date         time.Time       `json:"allowance_date"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	ScannedBy    string          `json:"scanned_by"`
	Location     string          `json:"location,omitempty"`
	Notes        string          `json:"notes,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Balance is the derived view of a student's day.
type Balance struct {
	StudentID string          `json:"student_id"`
	Date      time.Time       `json:"date"`
	Base      decimal.Decimal `json:"base_amount"`
	Bonus     decimal.Decimal `json:"bonus_amount"`
	Total     decimal.Decimal `json:"total_amount"`
	Spent     decimal.Decimal `json:"spent"`
	Remaining decimal.Decimal `json:"remaining"`
}

func newBalance(a Allowance, spent decimal.Decimal) Balance {
	remaining := a.Total.Sub(spent)
	if remaining.IsNegative() {
		// a reset below what was already spent
		remaining = decimal.Zero
	}
	return Balance{
		StudentID: a.StudentID,
		Date:      a.Date,
		Base:      a.Base,
		Bonus:     a.Bonus,
		Total:     a.Total,
		Spent:     spent,
		Remaining: remaining,
	}
}

// DebitFunc builds the transaction to insert from the balance observed under
// the student's lock. Returning an error aborts the debit.
type DebitFunc func(Balance) (Transaction, error)

// Repository stores allowances and transactions. Reset, Bump and Debit on the
// same (student, date) must be serialized against each other.
//
// Debit with a non-empty tokenID is idempotent: when a transaction for that
// token already exists it is returned unchanged and fn is not called.
type Repository interface {
	Reset(ctx context.Context, a Allowance) (Allowance, error)
	Bump(ctx context.Context, studentID string, date time.Time, delta decimal.Decimal) (Allowance, error)
	Debit(ctx context.Context, studentID string, date time.Time, tokenID string, fn DebitFunc) (Transaction, error)
	Balance(ctx context.Context, studentID string, date time.Time) (Balance, error)
	Transactions(ctx context.Context, studentID string, date time.Time) ([]Transaction, error)
}

var hundred = decimal.NewFromInt(100)

// validAmount accepts strictly positive values with at most two decimal places.
func validAmount(d decimal.Decimal) bool {
	return d.IsPositive() && d.Mul(hundred).IsInteger()
}

func validBase(d decimal.Decimal) bool {
	return !d.IsNegative() && d.Mul(hundred).IsInteger()
}
