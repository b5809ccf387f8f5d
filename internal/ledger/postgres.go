package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"academy/internal/store"
)

const (
	allowanceColumns   = `allowance_id, student_id, date, base_amount, bonus_amount, total_amount, reset_at`
	transactionColumns = `transaction_id, token_id, student_id, program_id, allowance_date, amount, balance_after,
			scanned_by, location, notes, created_at`
)

// PostgresRepository keeps the ledger in Postgres. Every mutation takes the
// allowance row lock, which is what orders resets, bumps and debits.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAllowance(row rowScanner) (Allowance, error) {
	var a Allowance
	err := row.Scan(&a.ID, &a.StudentID, &a.Date, &a.Base, &a.Bonus, &a.Total, &a.ResetAt)
	return a, err
}

func scanTransaction(row rowScanner) (Transaction, error) {
	var t Transaction
	var tokenID, location, notes sql.NullString
	err := row.Scan(&t.ID, &tokenID, &t.StudentID, &t.ProgramID, &t.Date, &t.Amount, &t.BalanceAfter,
		&t.ScannedBy, &location, &notes, &t.CreatedAt)
	t.TokenID, t.Location, t.Notes = tokenID.String, location.String, notes.String
	return t, err
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// byToken returns the transaction already paid for by tokenID, if any.
func byToken(ctx context.Context, q querier, tokenID string) (Transaction, bool, error) {
	t, err := scanTransaction(q.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM store_transactions
		WHERE token_id = $1
	`, tokenID))
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, store.Unavailable("debit: token lookup", err)
	}
	return t, true, nil
}

func (r *PostgresRepository) Reset(ctx context.Context, a Allowance) (Allowance, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO daily_allowances (`+allowanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (student_id, date) DO UPDATE SET
			base_amount  = EXCLUDED.base_amount,
			bonus_amount = EXCLUDED.bonus_amount,
			total_amount = EXCLUDED.total_amount,
			reset_at     = EXCLUDED.reset_at
		RETURNING `+allowanceColumns,
		a.ID, a.StudentID, a.Date, a.Base, a.Bonus, a.Total, a.ResetAt)
	out, err := scanAllowance(row)
	if err != nil {
		return Allowance{}, mapErr("reset allowance", err)
	}
	return out, nil
}

func (r *PostgresRepository) Bump(ctx context.Context, studentID string, date time.Time, delta decimal.Decimal) (Allowance, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE daily_allowances
		SET bonus_amount = bonus_amount + $3, total_amount = base_amount + bonus_amount + $3
		WHERE student_id = $1 AND date = $2
		RETURNING `+allowanceColumns,
		studentID, date, delta)
	out, err := scanAllowance(row)
	if err != nil {
		return Allowance{}, mapErr("bump allowance", err)
	}
	return out, nil
}

// Debit locks the allowance row, derives the balance, lets fn decide and
// inserts the resulting transaction, all in one database transaction. A token
// that already paid is answered from store_transactions.token_id, so a commit
// whose acknowledgement was lost is never applied twice.
func (r *PostgresRepository) Debit(ctx context.Context, studentID string, date time.Time, tokenID string, fn DebitFunc) (Transaction, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Transaction{}, store.Unavailable("debit: begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	a, err := scanAllowance(tx.QueryRowContext(ctx, `
		SELECT `+allowanceColumns+`
		FROM daily_allowances
		WHERE student_id = $1 AND date = $2
		FOR UPDATE
	`, studentID, date))
	if err != nil {
		return Transaction{}, mapErr("debit: lock allowance", err)
	}

	if tokenID != "" {
		prior, ok, err := byToken(ctx, tx, tokenID)
		if err != nil {
			return Transaction{}, err
		}
		if ok {
			return prior, nil
		}
	}

	var spent decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM store_transactions
		WHERE student_id = $1 AND allowance_date = $2
	`, studentID, date).Scan(&spent)
	if err != nil {
		return Transaction{}, mapErr("debit: sum", err)
	}

	t, err := fn(newBalance(a, spent))
	if err != nil {
		return Transaction{}, err
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO store_transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at
	`, t.ID, nullString(t.TokenID), t.StudentID, t.ProgramID, t.Date, t.Amount, t.BalanceAfter, t.ScannedBy,
		nullString(t.Location), nullString(t.Notes), t.CreatedAt).Scan(&t.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && tokenID != "" {
		// a concurrent debit for the same token won the insert
		_ = tx.Rollback()
		prior, ok, lerr := byToken(ctx, r.db, tokenID)
		if lerr == nil && ok {
			return prior, nil
		}
	}
	if err != nil {
		return Transaction{}, mapErr("debit: insert", err)
	}
	if err := tx.Commit(); err != nil {
		return Transaction{}, store.Unavailable("debit: commit", err)
	}
	return t, nil
}

func (r *PostgresRepository) Balance(ctx context.Context, studentID string, date time.Time) (Balance, error) {
	var a Allowance
	var spent decimal.Decimal
	err := r.db.QueryRowContext(ctx, `
		SELECT a.allowance_id, a.student_id, a.date, a.base_amount, a.bonus_amount, a.total_amount, a.reset_at,
			COALESCE((
				SELECT SUM(t.amount) FROM store_transactions t
				WHERE t.student_id = a.student_id AND t.allowance_date = a.date
			), 0)
		FROM daily_allowances a
		WHERE a.student_id = $1 AND a.date = $2
	`, studentID, date).Scan(&a.ID, &a.StudentID, &a.Date, &a.Base, &a.Bonus, &a.Total, &a.ResetAt, &spent)
	if err != nil {
		return Balance{}, mapErr("balance", err)
	}
	return newBalance(a, spent), nil
}

func (r *PostgresRepository) Transactions(ctx context.Context, studentID string, date time.Time) ([]Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM store_transactions
		WHERE student_id = $1 AND allowance_date = $2
		ORDER BY created_at
	`, studentID, date)
	if err != nil {
		return nil, mapErr("transactions", err)
	}
	defer rows.Close()

	var res []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, store.Unavailable("transactions: scan", err)
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("transactions", err)
	}
	return res, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func mapErr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503", "22P02": // foreign_key_violation, invalid_text_representation
			return ErrUnknownStudent
		case "23514": // check_violation
			return ErrInvalidAmount
		}
	}
	return store.Unavailable(op, err)
}
