package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
)

func TestMigrateAppliesEveryStatement(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	for range schema {
		mock.ExpectExec(".+").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectCommit()

	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMigrateRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(".+").WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	if err := Migrate(context.Background(), db); err == nil {
		t.Fatal("expected migrate to fail")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUnavailableWrapsOnce(t *testing.T) {
	err := Unavailable("redeem", errors.New("i/o timeout"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if again := Unavailable("scan", err); again != err {
		t.Fatalf("expected already wrapped error to pass through, got %v", again)
	}
	if Unavailable("noop", nil) != nil {
		t.Fatal("nil should stay nil")
	}
}

func TestRedisHealthy(t *testing.T) {
	mr := miniredis.RunT(t)
	r, err := NewRedis(mr.Addr(), time.Second)
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer r.Close()

	ctx, cancel := WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !r.Healthy(ctx) {
		t.Fatal("expected healthy redis")
	}
	mr.Close()
	if r.Healthy(ctx) {
		t.Fatal("expected unhealthy redis after close")
	}

	var missing *Redis
	if missing.Healthy(ctx) {
		t.Fatal("nil redis must not be healthy")
	}
}

func TestNewRedisParsesURL(t *testing.T) {
	r, err := NewRedis("redis://:secret@cache.internal:6380/2", 500*time.Millisecond)
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer r.Close()
	opts := r.Client.Options()
	if opts.Addr != "cache.internal:6380" || opts.DB != 2 || opts.Password != "secret" {
		t.Fatalf("unexpected options %+v", opts)
	}
	if opts.ReadTimeout != 500*time.Millisecond || opts.DialTimeout != time.Second {
		t.Fatalf("timeouts not applied: read=%s dial=%s", opts.ReadTimeout, opts.DialTimeout)
	}

	if _, err := NewRedis("redis://%zz", time.Second); err == nil || errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected a non-retryable config error, got %v", err)
	}
}
