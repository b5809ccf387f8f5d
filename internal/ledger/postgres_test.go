package ledger

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"academy/internal/store"
)

var (
	allowanceCols   = []string{"allowance_id", "student_id", "date", "base_amount", "bonus_amount", "total_amount", "reset_at"}
	transactionCols = []string{"transaction_id", "token_id", "student_id", "program_id", "allowance_date", "amount", "balance_after", "scanned_by", "location", "notes", "created_at"}
)

func newMockEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	e := NewEngine(NewPostgresRepository(db), time.UTC, time.Second)
	e.SetClock(func() time.Time { return today.Add(9 * time.Hour) })
	return e, mock
}

func TestPostgresChargeCommits(t *testing.T) {
	e, mock := newMockEngine(t)
	now := today.Add(9 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM daily_allowances\s+WHERE student_id = \$1 AND date = \$2\s+FOR UPDATE`).
		WithArgs("stu-1", today).
		WillReturnRows(sqlmock.NewRows(allowanceCols).AddRow("a-1", "stu-1", today, "100.00", "0.00", "100.00", now))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(SUM(amount), 0) FROM store_transactions`)).
		WithArgs("stu-1", today).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("30.00"))
	mock.ExpectQuery(`INSERT INTO store_transactions`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
	mock.ExpectCommit()

	tx, err := e.Charge(context.Background(), ChargeRequest{
		StudentID: "stu-1", ProgramID: "prog-1", Amount: dec("12.50"), ScannedBy: "store-1", Notes: "lunch",
	})
	require.NoError(t, err)
	assertDec(t, "57.50", tx.BalanceAfter)
	assert.Equal(t, "lunch", tx.Notes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresChargeIsIdempotentPerToken(t *testing.T) {
	e, mock := newMockEngine(t)
	now := today.Add(9 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(allowanceCols).AddRow("a-1", "stu-1", today, "100.00", "0.00", "100.00", now))
	mock.ExpectQuery(`FROM store_transactions\s+WHERE token_id = \$1`).
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows(transactionCols).
			AddRow("t-1", "tok-1", "stu-1", "prog-1", today, "12.50", "87.50", "store-1", nil, nil, now))
	mock.ExpectRollback()

	tx, err := e.Charge(context.Background(), ChargeRequest{
		TokenID: "tok-1", StudentID: "stu-1", ProgramID: "prog-1", Amount: dec("12.50"), ScannedBy: "store-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "t-1", tx.ID)
	assertDec(t, "87.50", tx.BalanceAfter)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresChargeWithNewToken(t *testing.T) {
	e, mock := newMockEngine(t)
	now := today.Add(9 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(allowanceCols).AddRow("a-1", "stu-1", today, "100.00", "0.00", "100.00", now))
	mock.ExpectQuery(`WHERE token_id = \$1`).
		WithArgs("tok-2").
		WillReturnRows(sqlmock.NewRows(transactionCols))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(SUM(amount), 0)`)).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("0"))
	mock.ExpectQuery(`INSERT INTO store_transactions`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
	mock.ExpectCommit()

	tx, err := e.Charge(context.Background(), ChargeRequest{
		TokenID: "tok-2", StudentID: "stu-1", ProgramID: "prog-1", Amount: dec("4.00"), ScannedBy: "store-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tx.TokenID)
	assertDec(t, "96", tx.BalanceAfter)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresChargeInsufficientRollsBack(t *testing.T) {
	e, mock := newMockEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(allowanceCols).AddRow("a-1", "stu-1", today, "10.00", "0.00", "10.00", today))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(SUM(amount), 0)`)).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("9.50"))
	mock.ExpectRollback()

	_, err := e.Charge(context.Background(), ChargeRequest{StudentID: "stu-1", Amount: dec("1.00"), ScannedBy: "store-1"})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresChargeNoAllowance(t *testing.T) {
	e, mock := newMockEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WillReturnRows(sqlmock.NewRows(allowanceCols))
	mock.ExpectRollback()

	_, err := e.Charge(context.Background(), ChargeRequest{StudentID: "stu-1", Amount: dec("1.00")})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresChargeConnectionLost(t *testing.T) {
	e, mock := newMockEngine(t)

	mock.ExpectBegin().WillReturnError(context.DeadlineExceeded)

	_, err := e.Charge(context.Background(), ChargeRequest{StudentID: "stu-1", Amount: dec("1.00")})
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresResetUpserts(t *testing.T) {
	e, mock := newMockEngine(t)

	mock.ExpectQuery(`ON CONFLICT \(student_id, date\) DO UPDATE`).
		WillReturnRows(sqlmock.NewRows(allowanceCols).AddRow("a-1", "stu-1", today, "50.00", "0.00", "50.00", today))

	a, err := e.ResetDailyAllowance(context.Background(), "stu-1", today, dec("50.00"), nil)
	require.NoError(t, err)
	assert.Equal(t, "a-1", a.ID)
	assertDec(t, "50", a.Total)

	mock.ExpectQuery(`INSERT INTO daily_allowances`).
		WillReturnError(&pgconn.PgError{Code: "23503"})
	_, err = e.ResetDailyAllowance(context.Background(), "ghost", today, dec("50.00"), nil)
	assert.ErrorIs(t, err, ErrUnknownStudent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBumpMissingRow(t *testing.T) {
	e, mock := newMockEngine(t)

	mock.ExpectQuery(`UPDATE daily_allowances`).
		WillReturnRows(sqlmock.NewRows(allowanceCols))

	_, err := e.BumpAllowance(context.Background(), "stu-1", today, dec("5"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransactions(t *testing.T) {
	e, mock := newMockEngine(t)

	mock.ExpectQuery(`FROM store_transactions`).
		WithArgs("stu-1", today).
		WillReturnRows(sqlmock.NewRows(transactionCols).
			AddRow("t-1", "tok-1", "stu-1", "prog-1", today, "5.00", "95.00", "store-1", "canteen", nil, today).
			AddRow("t-2", nil, "stu-1", "prog-1", today, "10.00", "85.00", "store-1", nil, nil, today))

	txs, err := e.Transactions(context.Background(), "stu-1", today)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "canteen", txs[0].Location)
	assert.Equal(t, "tok-1", txs[0].TokenID)
	assert.Empty(t, txs[1].Location)
	assertDec(t, "85", txs[1].BalanceAfter)
	assert.NoError(t, mock.ExpectationsWereMet())
}
