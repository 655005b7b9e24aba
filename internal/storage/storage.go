// Package storage provides durable subscription and watermark persistence
// backed by SQLite or Redis.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/polyalert/internal/models"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db          *sql.DB
	maxFailures int
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/polyalert/data.db.
func New(maxFailures int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "polyalert", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	s := &Storage{db: db, maxFailures: maxFailures}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS subscriptions (
			user_id     TEXT NOT NULL,
			channel     TEXT NOT NULL,
			kind        TEXT NOT NULL,
			market_id   TEXT NOT NULL DEFAULT '',
			threshold   TEXT NOT NULL DEFAULT '0',
			created_at  INTEGER NOT NULL,
			PRIMARY KEY (user_id, channel, kind, market_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_kind ON subscriptions(kind)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_market ON subscriptions(market_id)`,
		`CREATE TABLE IF NOT EXISTS watermarks (
			domain      TEXT PRIMARY KEY,
			version     INTEGER NOT NULL,
			payload     TEXT NOT NULL,
			updated_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS delivery_failures (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			channel     TEXT NOT NULL,
			kind        TEXT NOT NULL,
			market_id   TEXT NOT NULL,
			reason      TEXT NOT NULL,
			attempts    INTEGER NOT NULL,
			failed_at   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_failures_failed_at ON delivery_failures(failed_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", models.ErrStorageFailure, op, err)
}

// AddSubscription inserts sub. An existing subscription with the same key
// yields models.ErrDuplicateSubscription.
func (s *Storage) AddSubscription(ctx context.Context, sub models.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (user_id, channel, kind, market_id, threshold, created_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (user_id, channel, kind, market_id) DO NOTHING`,
		sub.UserID, sub.Channel, string(sub.Kind), sub.MarketID, sub.Threshold.String(),
		sub.CreatedAt.UnixNano(),
	)
	if err != nil {
		return storageErr("insert subscription", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("insert subscription", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", models.ErrDuplicateSubscription, sub.Key())
	}
	return nil
}

// RemoveSubscription deletes the subscription with the given key.
func (s *Storage) RemoveSubscription(ctx context.Context, key models.SubscriptionKey) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM subscriptions
		WHERE user_id = ? AND channel = ? AND kind = ? AND market_id = ?`,
		key.UserID, key.Channel, string(key.Kind), key.MarketID,
	)
	if err != nil {
		return storageErr("delete subscription", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("delete subscription", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: subscription %s", models.ErrNotFound, key)
	}
	return nil
}

// RemoveMarketSubscriptions deletes every threshold subscription on marketID
// and returns how many were removed.
func (s *Storage) RemoveMarketSubscriptions(ctx context.Context, marketID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM subscriptions WHERE kind = ? AND market_id = ?`,
		string(models.KindLiquidityThreshold), marketID,
	)
	if err != nil {
		return 0, storageErr("delete market subscriptions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("delete market subscriptions", err)
	}
	return int(n), nil
}

// ListSubscriptions returns a snapshot of all subscriptions of one kind.
func (s *Storage) ListSubscriptions(ctx context.Context, kind models.SubscriptionKind) ([]models.Subscription, error) {
	return s.querySubscriptions(ctx, `SELECT `+subscriptionCols+` FROM subscriptions
		WHERE kind = ? ORDER BY market_id, user_id, channel`, string(kind))
}

// ListUserSubscriptions returns every subscription held by userID.
func (s *Storage) ListUserSubscriptions(ctx context.Context, userID string) ([]models.Subscription, error) {
	return s.querySubscriptions(ctx, `SELECT `+subscriptionCols+` FROM subscriptions
		WHERE user_id = ? ORDER BY created_at, kind, market_id`, userID)
}

func (s *Storage) querySubscriptions(ctx context.Context, query string, args ...any) ([]models.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query subscriptions", err)
	}
	defer rows.Close()

	subs := []models.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows.Scan)
		if err != nil {
			return nil, storageErr("scan subscription", err)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("query subscriptions", err)
	}
	return subs, nil
}

// LoadWatermark returns the persisted watermark for domain, or an empty
// watermark with Version 0 if none has been committed.
func (s *Storage) LoadWatermark(ctx context.Context, domain models.Domain) (models.Watermark, error) {
	var version int64
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT version, payload FROM watermarks WHERE domain = ?`, string(domain),
	).Scan(&version, &payload)
	if err == sql.ErrNoRows {
		return models.NewWatermark(), nil
	}
	if err != nil {
		return models.Watermark{}, storageErr("load watermark", err)
	}
	wm, err := models.UnmarshalWatermark(version, []byte(payload))
	if err != nil {
		return models.Watermark{}, storageErr("decode watermark", err)
	}
	return wm, nil
}

// CommitWatermark replaces the stored watermark if its version still equals
// wm.Version. The write is a single statement, so readers see either the old
// or the new record.
func (s *Storage) CommitWatermark(ctx context.Context, domain models.Domain, wm models.Watermark) error {
	payload, err := wm.MarshalPayload()
	if err != nil {
		return storageErr("encode watermark", err)
	}
	now := time.Now().UnixNano()

	var res sql.Result
	if wm.Version == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO watermarks (domain, version, payload, updated_at)
			VALUES (?, 1, ?, ?)
			ON CONFLICT (domain) DO NOTHING`,
			string(domain), string(payload), now,
		)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE watermarks SET version = version + 1, payload = ?, updated_at = ?
			WHERE domain = ? AND version = ?`,
			string(payload), now, string(domain), wm.Version,
		)
	}
	if err != nil {
		return storageErr("commit watermark", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("commit watermark", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: watermark %s moved past version %d", models.ErrConcurrentModification, domain, wm.Version)
	}
	return nil
}

// RecordDeliveryFailure appends f to the failure log, keeping at most
// maxFailures newest records.
func (s *Storage) RecordDeliveryFailure(ctx context.Context, f models.DeliveryFailure) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.FailedAt.IsZero() {
		f.FailedAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO delivery_failures
			(id, user_id, channel, kind, market_id, reason, attempts, failed_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		f.ID, f.Recipient.UserID, f.Recipient.Channel, string(f.Kind), f.MarketID,
		f.Reason, f.Attempts, f.FailedAt.UnixNano(),
	); err != nil {
		return storageErr("insert delivery failure", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM delivery_failures WHERE id NOT IN (
			SELECT id FROM delivery_failures ORDER BY failed_at DESC LIMIT ?
		)`, s.maxFailures); err != nil {
		return storageErr("enforce failure cap", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit delivery failure", err)
	}
	return nil
}

// ListDeliveryFailures returns up to limit newest failure records.
func (s *Storage) ListDeliveryFailures(ctx context.Context, limit int) ([]models.DeliveryFailure, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, channel, kind, market_id, reason, attempts, failed_at
		FROM delivery_failures ORDER BY failed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("query delivery failures", err)
	}
	defer rows.Close()

	failures := []models.DeliveryFailure{}
	for rows.Next() {
		var f models.DeliveryFailure
		var kind string
		var failedAtNano int64
		if err := rows.Scan(&f.ID, &f.Recipient.UserID, &f.Recipient.Channel, &kind,
			&f.MarketID, &f.Reason, &f.Attempts, &failedAtNano); err != nil {
			return nil, storageErr("scan delivery failure", err)
		}
		f.Kind = models.SubscriptionKind(kind)
		f.FailedAt = time.Unix(0, failedAtNano)
		failures = append(failures, f)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("query delivery failures", err)
	}
	return failures, nil
}

const subscriptionCols = `user_id, channel, kind, market_id, threshold, created_at`

func scanSubscription(scan func(...any) error) (*models.Subscription, error) {
	var sub models.Subscription
	var kind, threshold string
	var createdAtNano int64
	if err := scan(&sub.UserID, &sub.Channel, &kind, &sub.MarketID, &threshold, &createdAtNano); err != nil {
		return nil, err
	}
	t, err := decimal.NewFromString(threshold)
	if err != nil {
		return nil, fmt.Errorf("bad threshold %q: %w", threshold, err)
	}
	sub.Kind = models.SubscriptionKind(kind)
	sub.Threshold = t
	sub.CreatedAt = time.Unix(0, createdAtNano)
	return &sub, nil
}
