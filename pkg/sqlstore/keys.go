package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/quantumhub/execgate/pkg/entitlement"
)

// KeyStore implements entitlement.Store on SQLite.
type KeyStore struct {
	db *sql.DB
}

var _ entitlement.Store = (*KeyStore)(nil)

func NewKeyStore(db *sql.DB) *KeyStore {
	return &KeyStore{db: db}
}

func (s *KeyStore) CreateSubscription(ctx context.Context, sub *entitlement.Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, user_id, status, created_at) VALUES (?, ?, ?, ?)`,
		sub.ID, sub.UserID, string(sub.Status), timeText(sub.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (s *KeyStore) GetSubscription(ctx context.Context, id string) (*entitlement.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, status, created_at FROM subscriptions WHERE id = ?`, id)

	var sub entitlement.Subscription
	var status, createdAt string
	if err := row.Scan(&sub.ID, &sub.UserID, &status, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, entitlement.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("select subscription: %w", err)
	}
	sub.Status = entitlement.Status(status)
	t, err := parseTimeText(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	sub.CreatedAt = t
	return &sub, nil
}

func (s *KeyStore) CreateKey(ctx context.Context, key *entitlement.Key) error {
	var remaining sql.NullInt64
	if key.RemainingUsageCount != nil {
		remaining = sql.NullInt64{Int64: *key.RemainingUsageCount, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscription_keys
			(id, subscription_id, name, value, rate_limit_class, remaining_usage_count, status, expires_at, last_used_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			rate_limit_class = excluded.rate_limit_class,
			remaining_usage_count = excluded.remaining_usage_count,
			status = excluded.status,
			expires_at = excluded.expires_at,
			last_used_at = excluded.last_used_at`,
		key.ID, key.SubscriptionID, key.Name, key.Value, key.RateLimitClass,
		remaining, string(key.Status), nullTimeText(key.ExpiresAt),
		nullTimeText(key.LastUsedAt), timeText(key.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert key: %w", err)
	}
	return nil
}

const keyColumns = `id, subscription_id, name, value, rate_limit_class, remaining_usage_count, status, expires_at, last_used_at, created_at`

func (s *KeyStore) GetKeyByValue(ctx context.Context, value string) (*entitlement.Key, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM subscription_keys WHERE value = ?`, value)
	return scanKey(row)
}

func (s *KeyStore) GetKeyByID(ctx context.Context, id string) (*entitlement.Key, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM subscription_keys WHERE id = ?`, id)
	return scanKey(row)
}

func (s *KeyStore) ActiveKeyForUser(ctx context.Context, userID string) (*entitlement.Key, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT k.id, k.subscription_id, k.name, k.value, k.rate_limit_class,
			k.remaining_usage_count, k.status, k.expires_at, k.last_used_at, k.created_at
		FROM subscription_keys k
		JOIN subscriptions s ON s.id = k.subscription_id
		WHERE s.user_id = ? AND k.status = ?
		ORDER BY k.created_at DESC
		LIMIT 1`,
		userID, string(entitlement.StatusActive))
	return scanKey(row)
}

// ConsumeUsage decrements in a single conditional UPDATE so concurrent
// admissions can never overdraw the budget.
func (s *KeyStore) ConsumeUsage(ctx context.Context, keyID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscription_keys
		SET remaining_usage_count = remaining_usage_count - 1
		WHERE id = ? AND remaining_usage_count IS NOT NULL AND remaining_usage_count > 0`,
		keyID)
	if err != nil {
		return fmt.Errorf("consume usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume usage rows: %w", err)
	}
	if n == 1 {
		return nil
	}

	// No row changed: unlimited key, exhausted budget or unknown id.
	var remaining sql.NullInt64
	row := s.db.QueryRowContext(ctx,
		`SELECT remaining_usage_count FROM subscription_keys WHERE id = ?`, keyID)
	if err := row.Scan(&remaining); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entitlement.ErrKeyNotFound
		}
		return fmt.Errorf("diagnose usage: %w", err)
	}
	if !remaining.Valid {
		return nil
	}
	return entitlement.ErrUsageExhausted
}

func (s *KeyStore) RefundUsage(ctx context.Context, keyID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscription_keys
		SET remaining_usage_count = remaining_usage_count + 1
		WHERE id = ? AND remaining_usage_count IS NOT NULL`,
		keyID)
	if err != nil {
		return fmt.Errorf("refund usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("refund usage rows: %w", err)
	}
	if n == 0 {
		return s.keyExistsErr(ctx, keyID)
	}
	return nil
}

func (s *KeyStore) Revoke(ctx context.Context, keyID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscription_keys SET status = ? WHERE id = ?`,
		string(entitlement.StatusRevoked), keyID)
	if err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke key rows: %w", err)
	}
	if n == 0 {
		return entitlement.ErrKeyNotFound
	}
	return nil
}

func (s *KeyStore) TouchLastUsed(ctx context.Context, keyID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscription_keys SET last_used_at = ? WHERE id = ?`,
		timeText(at), keyID)
	if err != nil {
		return fmt.Errorf("touch last_used: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch last_used rows: %w", err)
	}
	if n == 0 {
		return entitlement.ErrKeyNotFound
	}
	return nil
}

func (s *KeyStore) ListKeys(ctx context.Context) ([]entitlement.Key, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM subscription_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var out []entitlement.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

// keyExistsErr distinguishes a missing key from a no-op on an
// unlimited key.
func (s *KeyStore) keyExistsErr(ctx context.Context, keyID string) error {
	var one int
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM subscription_keys WHERE id = ?`, keyID)
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entitlement.ErrKeyNotFound
		}
		return fmt.Errorf("check key: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*entitlement.Key, error) {
	var k entitlement.Key
	var remaining sql.NullInt64
	var status, createdAt string
	var expiresAt, lastUsedAt sql.NullString

	err := row.Scan(&k.ID, &k.SubscriptionID, &k.Name, &k.Value, &k.RateLimitClass,
		&remaining, &status, &expiresAt, &lastUsedAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, entitlement.ErrKeyNotFound
		}
		return nil, fmt.Errorf("scan key: %w", err)
	}

	if remaining.Valid {
		n := remaining.Int64
		k.RemainingUsageCount = &n
	}
	k.Status = entitlement.Status(status)
	if k.ExpiresAt, err = timeFromNull(expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	if k.LastUsedAt, err = timeFromNull(lastUsedAt); err != nil {
		return nil, fmt.Errorf("parse last_used_at: %w", err)
	}
	if k.CreatedAt, err = parseTimeText(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &k, nil
}
