package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/centromex/photo-relay/internal/models"
)

// DB is the SQL request store, backed by SQLite or Postgres.
type DB struct {
	conn   *sqlx.DB
	logger *slog.Logger
}

const requestColumns = `id, requester_chat_id, requester_handle, source_asset_ref,
	original_message_id, forwarded_message_id, status, created_at, completed_at`

// New opens a SQL database with the given driver ("sqlite3" or "postgres")
func New(driver, dsn string, logger *slog.Logger) (*DB, error) {
	if driver == "sqlite3" {
		if dir := filepath.Dir(dsn); dir != "." && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
			}
		}
	}

	conn, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite3" {
		// Single writer for SQLite
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{conn: conn, logger: logger}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		requester_chat_id BIGINT NOT NULL,
		requester_handle TEXT NOT NULL,
		source_asset_ref TEXT NOT NULL,
		original_message_id BIGINT NOT NULL,
		forwarded_message_id BIGINT NOT NULL,
		status TEXT NOT NULL DEFAULT 'Processing',
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_requests_requester ON requests(requester_chat_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_requests_forwarded ON requests(forwarded_message_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_requests_forwarded_processing
		ON requests(forwarded_message_id) WHERE status = 'Processing';
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Create inserts a new request in the Processing state
func (db *DB) Create(ctx context.Context, req *models.Request) (string, error) {
	if err := prepare(req); err != nil {
		return "", err
	}

	_, err := db.conn.ExecContext(ctx, db.conn.Rebind(
		`INSERT INTO requests (`+requestColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		req.ID, req.RequesterChatID, req.RequesterHandle, req.SourceAssetRef,
		req.OriginalMessageID, req.ForwardedMessageID, req.Status, req.CreatedAt, req.CompletedAt,
	)
	if err != nil {
		return "", persistErr("create", err)
	}

	return req.ID, nil
}

// FindLatestByRequester returns the newest request of a requester chat
func (db *DB) FindLatestByRequester(ctx context.Context, chatID int64) (*models.Request, error) {
	var req models.Request
	err := db.conn.GetContext(ctx, &req, db.conn.Rebind(
		`SELECT `+requestColumns+` FROM requests
		 WHERE requester_chat_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`), chatID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistErr("find latest", err)
	}
	return &req, nil
}

// FindByForwardedMessageID returns the request whose group copy has the given ID.
// An outstanding request wins over completed ones sharing the ID.
func (db *DB) FindByForwardedMessageID(ctx context.Context, forwardedID int) (*models.Request, error) {
	var req models.Request
	err := db.conn.GetContext(ctx, &req, db.conn.Rebind(
		`SELECT `+requestColumns+` FROM requests
		 WHERE forwarded_message_id = ?
		 ORDER BY CASE WHEN status = ? THEN 0 ELSE 1 END, created_at DESC LIMIT 1`),
		forwardedID, models.StatusProcessing,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, persistErr("find by forwarded id", err)
	}
	return &req, nil
}

// MarkCompleted marks the outstanding request for a forwarded message as completed
func (db *DB) MarkCompleted(ctx context.Context, forwardedID int) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return persistErr("mark completed", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE requests SET status = ?, completed_at = ?
		 WHERE forwarded_message_id = ? AND status = ?`),
		models.StatusCompleted, time.Now().UTC(), forwardedID, models.StatusProcessing,
	)
	if err != nil {
		return persistErr("mark completed", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return persistErr("mark completed", err)
	}
	if rows == 0 {
		var count int
		err = tx.GetContext(ctx, &count, tx.Rebind(
			`SELECT COUNT(*) FROM requests WHERE forwarded_message_id = ?`), forwardedID)
		if err != nil {
			return persistErr("mark completed", err)
		}
		if count == 0 {
			return ErrNotFound
		}
	}

	return persistErr("mark completed", tx.Commit())
}

// CountOutstanding counts requests still Processing after the given age
func (db *DB) CountOutstanding(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var count int
	err := db.conn.GetContext(ctx, &count, db.conn.Rebind(
		`SELECT COUNT(*) FROM requests WHERE status = ? AND created_at < ?`),
		models.StatusProcessing, cutoff,
	)
	if err != nil {
		return 0, persistErr("count outstanding", err)
	}
	return count, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}
