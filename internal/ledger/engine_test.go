package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var today = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func newTestEngine(t *testing.T, students ...string) (*Engine, *MemoryRepository) {
	t.Helper()
	repo := NewMemoryRepository()
	for _, s := range students {
		repo.AddStudent(s)
	}
	e := NewEngine(repo, time.UTC, time.Second)
	e.SetClock(func() time.Time { return today.Add(10 * time.Hour) })
	return e, repo
}

func TestResetReplacesBumpAdds(t *testing.T) {
	e, _ := newTestEngine(t, "stu-1")
	ctx := context.Background()

	_, err := e.ResetDailyAllowance(ctx, "stu-1", today, dec("100.00"), nil)
	require.NoError(t, err)

	bumped, err := e.BumpAllowance(ctx, "stu-1", today, dec("20.00"))
	require.NoError(t, err)
	assertDec(t, "120.00", bumped.Total)
	assertDec(t, "20.00", bumped.Bonus)

	reset, err := e.ResetDailyAllowance(ctx, "stu-1", today, dec("50.00"), nil)
	require.NoError(t, err)
	assertDec(t, "50.00", reset.Total)
	assertDec(t, "0", reset.Bonus)
}

func TestResetWithBonus(t *testing.T) {
	e, _ := newTestEngine(t, "stu-1")
	bonus := dec("5.25")
	a, err := e.ResetDailyAllowance(context.Background(), "stu-1", today.Add(15*time.Hour), dec("10"), &bonus)
	require.NoError(t, err)
	assertDec(t, "15.25", a.Total)
	assert.Equal(t, today, a.Date)
}

func TestResetRejectsBadInput(t *testing.T) {
	e, _ := newTestEngine(t, "stu-1")
	ctx := context.Background()

	_, err := e.ResetDailyAllowance(ctx, "stu-1", today, dec("-1"), nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = e.ResetDailyAllowance(ctx, "stu-1", today, dec("10.001"), nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = e.ResetDailyAllowance(ctx, "ghost", today, dec("10"), nil)
	assert.ErrorIs(t, err, ErrUnknownStudent)
}

func TestBumpRequiresRowAndPositiveDelta(t *testing.T) {
	e, _ := newTestEngine(t, "stu-1")
	ctx := context.Background()

	_, err := e.BumpAllowance(ctx, "stu-1", today, dec("5"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = e.ResetDailyAllowance(ctx, "stu-1", today, dec("10"), nil)
	require.NoError(t, err)
	for _, bad := range []string{"0", "-3", "0.001"} {
		_, err = e.BumpAllowance(ctx, "stu-1", today, dec(bad))
		assert.ErrorIs(t, err, ErrInvalidAmount, bad)
	}
}

func TestChargeRejectsNonPositiveWithoutRow(t *testing.T) {
	e, _ := newTestEngine(t, "stu-1")
	ctx := context.Background()
	_, err := e.ResetDailyAllowance(ctx, "stu-1", today, dec("100"), nil)
	require.NoError(t, err)

	for _, amount := range []string{"0", "-5.00", "1.005"} {
		_, err := e.Charge(ctx, ChargeRequest{StudentID: "stu-1", ProgramID: "prog-1", Amount: dec(amount), ScannedBy: "store-1"})
		assert.ErrorIs(t, err, ErrInvalidAmount, amount)
	}
	txs, err := e.Transactions(ctx, "stu-1", today)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestChargeBalanceAfterMatchesReplay(t *testing.T) {
	e, _ := newTestEngine(t, "stu-1")
	ctx := context.Background()
	_, err := e.ResetDailyAllowance(ctx, "stu-1", today, dec("100.00"), nil)
	require.NoError(t, err)

	for _, amount := range []string{"30.10", "19.90", "0.01"} {
		_, err := e.Charge(ctx, ChargeRequest{StudentID: "stu-1", ProgramID: "prog-1", Amount: dec(amount), ScannedBy: "store-1", Location: "canteen"})
		require.NoError(t, err)
	}

	_, err = e.Charge(ctx, ChargeRequest{StudentID: "stu-1", ProgramID: "prog-1", Amount: dec("50.00"), ScannedBy: "store-1"})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	txs, err := e.Transactions(ctx, "stu-1", today)
	require.NoError(t, err)
	require.Len(t, txs, 3)

	running := dec("100.00")
	for _, tx := range txs {
		running = running.Sub(tx.Amount)
		assertDec(t, running.String(), tx.BalanceAfter)
	}

	bal, err := e.Balance(ctx, "stu-1", today)
	require.NoError(t, err)
	assertDec(t, "49.99", bal.Remaining)
	assertDec(t, "50.01", bal.Spent)
}

func TestChargeWithoutAllowance(t *testing.T) {
	e, _ := newTestEngine(t, "stu-1")
	_, err := e.Charge(context.Background(), ChargeRequest{StudentID: "stu-1", Amount: dec("1")})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentChargesNeverOverspend(t *testing.T) {
	for round := 0; round < 50; round++ {
		e, _ := newTestEngine(t, "stu-1")
		ctx := context.Background()
		_, err := e.ResetDailyAllowance(ctx, "stu-1", today, dec("20.00"), nil)
		require.NoError(t, err)

		amounts := []decimal.Decimal{dec("20.00"), dec("1.00")}
		results := make([]error, len(amounts))
		var wg sync.WaitGroup
		for i, amount := range amounts {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, results[i] = e.Charge(ctx, ChargeRequest{StudentID: "stu-1", ProgramID: "prog-1", Amount: amount, ScannedBy: "store-1"})
			}()
		}
		wg.Wait()

		spent := decimal.Zero
		succeeded := 0
		for i, err := range results {
			if err == nil {
				succeeded++
				spent = spent.Add(amounts[i])
				continue
			}
			require.True(t, errors.Is(err, ErrInsufficientBalance), "unexpected error %v", err)
		}
		assert.Equal(t, 1, succeeded)
		assert.True(t, spent.LessThanOrEqual(dec("20.00")))

		bal, err := e.Balance(ctx, "stu-1", today)
		require.NoError(t, err)
		assert.False(t, bal.Remaining.IsNegative())
	}
}

func TestResetBelowSpentClampsRemaining(t *testing.T) {
	e, _ := newTestEngine(t, "stu-1")
	ctx := context.Background()
	_, err := e.ResetDailyAllowance(ctx, "stu-1", today, dec("30"), nil)
	require.NoError(t, err)
	_, err = e.Charge(ctx, ChargeRequest{StudentID: "stu-1", Amount: dec("25"), ScannedBy: "store-1"})
	require.NoError(t, err)
	_, err = e.ResetDailyAllowance(ctx, "stu-1", today, dec("10"), nil)
	require.NoError(t, err)

	bal, err := e.Balance(ctx, "stu-1", today)
	require.NoError(t, err)
	assertDec(t, "0", bal.Remaining)

	_, err = e.Charge(ctx, ChargeRequest{StudentID: "stu-1", Amount: dec("0.01"), ScannedBy: "store-1"})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestResetAll(t *testing.T) {
	ids := []string{"stu-1", "stu-2", "stu-3", "stu-4", "stu-5", "stu-6", "stu-7", "stu-8", "stu-9", "stu-10"}
	e, _ := newTestEngine(t, ids...)
	ctx := context.Background()

	n, err := e.ResetAll(ctx, ids, today, dec("12.50"))
	require.NoError(t, err)
	assert.Equal(t, len(ids), n)
	for _, id := range ids {
		bal, err := e.Balance(ctx, id, today)
		require.NoError(t, err)
		assertDec(t, "12.50", bal.Remaining)
	}

	_, err = e.ResetAll(ctx, append(ids, "ghost"), today, dec("1"))
	assert.ErrorIs(t, err, ErrUnknownStudent)
}
