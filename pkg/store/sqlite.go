package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS account_balances (
	account               TEXT PRIMARY KEY,
	balance               REAL NOT NULL,
	updated_at            TEXT NOT NULL,
	last_full_reauth_date TEXT NOT NULL DEFAULT ''
)`

// SQLiteBackend stores entries in a single table.
type SQLiteBackend struct {
	conn *sql.DB
	path string
}

// NewSQLiteBackend opens (and creates) the database at path.
func NewSQLiteBackend(ctx context.Context, path string) (*SQLiteBackend, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, stateDirMode); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// SQLite allows a single writer.
	conn.SetMaxOpenConns(1)

	if _, err := conn.ExecContext(ctx, sqliteSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteBackend{conn: conn, path: path}, nil
}

func (b *SQLiteBackend) Name() string { return "sqlite" }

func (b *SQLiteBackend) Load(ctx context.Context) (map[string]Entry, error) {
	rows, err := b.conn.QueryContext(ctx,
		`SELECT account, balance, updated_at, last_full_reauth_date FROM account_balances`)
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]Entry)
	for rows.Next() {
		var (
			account string
			balance float64
			updated string
			day     string
		)
		if err := rows.Scan(&account, &balance, &updated, &day); err != nil {
			return nil, fmt.Errorf("%w: scan balance row: %v", ErrCorrupt, err)
		}
		entries[account] = Entry{
			Balance:            balance,
			UpdatedAt:          parseTimestamp(updated),
			LastFullReauthDate: day,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate balances: %w", err)
	}
	return entries, nil
}

func (b *SQLiteBackend) Put(ctx context.Context, account string, e Entry) error {
	_, err := b.conn.ExecContext(ctx, `
		INSERT INTO account_balances (account, balance, updated_at, last_full_reauth_date)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET
			balance = excluded.balance,
			updated_at = excluded.updated_at,
			last_full_reauth_date = excluded.last_full_reauth_date`,
		account, e.Balance, e.UpdatedAt.Format(time.RFC3339Nano), e.LastFullReauthDate)
	if err != nil {
		return fmt.Errorf("upsert balance: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, account string) error {
	if _, err := b.conn.ExecContext(ctx, `DELETE FROM account_balances WHERE account = ?`, account); err != nil {
		return fmt.Errorf("delete balance: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	return b.conn.Close()
}
