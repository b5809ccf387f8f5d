package store

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is the durable contract shared with the identity and admin collaborators.
// The (session_id, student_id) and (student_id, date) uniqueness constraints are
// load-bearing: the engine relies on them to reject duplicate attendance and to
// serialize allowance resets.
var schema = []string{
	`DO $$ BEGIN
		CREATE TYPE attendance_mode AS ENUM ('static', 'dynamic');
	EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`DO $$ BEGIN
		CREATE TYPE attendance_status AS ENUM ('present', 'absent');
	EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`CREATE TABLE IF NOT EXISTS programs (
		program_id       UUID PRIMARY KEY,
		name             TEXT NOT NULL,
		cost_center_code TEXT NOT NULL,
		active           BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS students (
		student_id UUID PRIMARY KEY,
		user_id    TEXT UNIQUE NOT NULL,
		full_name  TEXT NOT NULL,
		program_id UUID NOT NULL REFERENCES programs(program_id),
		is_active  BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS classes (
		class_id   UUID PRIMARY KEY,
		name       TEXT NOT NULL,
		program_id UUID NOT NULL REFERENCES programs(program_id),
		teacher_id TEXT NOT NULL,
		active     BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS class_enrollments (
		class_id   UUID NOT NULL REFERENCES classes(class_id),
		student_id UUID NOT NULL REFERENCES students(student_id),
		PRIMARY KEY (class_id, student_id)
	)`,
	`CREATE TABLE IF NOT EXISTS attendance_sessions (
		session_id UUID PRIMARY KEY,
		class_id   UUID NOT NULL REFERENCES classes(class_id),
		date       DATE NOT NULL,
		mode       attendance_mode NOT NULL,
		created_by TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		closed_at  TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_open_session_per_class
		ON attendance_sessions (class_id, date) WHERE closed_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS attendance_records (
		record_id  UUID PRIMARY KEY,
		session_id UUID NOT NULL REFERENCES attendance_sessions(session_id),
		student_id UUID NOT NULL REFERENCES students(student_id),
		status     attendance_status NOT NULL,
		scanned_by TEXT NOT NULL,
		scanned_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT uq_session_student UNIQUE (session_id, student_id)
	)`,
	`CREATE TABLE IF NOT EXISTS daily_allowances (
		allowance_id UUID PRIMARY KEY,
		student_id   UUID NOT NULL REFERENCES students(student_id),
		date         DATE NOT NULL,
		base_amount  NUMERIC(10,2) NOT NULL CHECK (base_amount >= 0),
		bonus_amount NUMERIC(10,2) NOT NULL DEFAULT 0,
		total_amount NUMERIC(10,2) NOT NULL,
		reset_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT uq_student_date UNIQUE (student_id, date)
	)`,
	`CREATE TABLE IF NOT EXISTS store_transactions (
		transaction_id UUID PRIMARY KEY,
		token_id       TEXT UNIQUE,
		student_id     UUID NOT NULL REFERENCES students(student_id),
		program_id     UUID NOT NULL REFERENCES programs(program_id),
		allowance_date DATE NOT NULL,
		amount         NUMERIC(10,2) NOT NULL CHECK (amount > 0),
		balance_after  NUMERIC(10,2) NOT NULL CHECK (balance_after >= 0),
		scanned_by     TEXT NOT NULL,
		location       TEXT,
		notes          TEXT,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`ALTER TABLE store_transactions ADD COLUMN IF NOT EXISTS token_id TEXT UNIQUE`,
	`CREATE INDEX IF NOT EXISTS idx_store_tx_student_date
		ON store_transactions (student_id, allowance_date)`,
}

// Migrate applies the schema idempotently inside one transaction.
func Migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: statement %d: %w", i, err)
		}
	}
	return tx.Commit()
}
