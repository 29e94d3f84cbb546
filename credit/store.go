package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Store wraps the persistent credential ledger. Every balance mutation is a
// single SQL statement; callers never read-modify-write balances in
// application code.
type Store struct {
	db *sql.DB
}

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("credit store path must be configured")

	// ErrNotFound indicates the credential row does not exist.
	ErrNotFound = errors.New("credential not found")

	// ErrInsufficientBalance indicates the reserve predicate rejected the update.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrReservationHeld blocks destructive operations while requests are in flight.
	ErrReservationHeld = errors.New("credential has an active reservation")
)

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
    fingerprint          TEXT PRIMARY KEY,
    balance_msat         INTEGER NOT NULL DEFAULT 0 CHECK (balance_msat >= 0),
    reserved_msat        INTEGER NOT NULL DEFAULT 0 CHECK (reserved_msat >= 0),
    refund_address       TEXT,
    refund_mint          TEXT,
    refund_currency      TEXT NOT NULL DEFAULT 'sat',
    parent_fingerprint   TEXT,
    created_at           TIMESTAMP NOT NULL,
    refund_expiration    TIMESTAMP,
    reserved_updated_at  TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_credentials_reserved ON credentials(reserved_msat) WHERE reserved_msat > 0;
CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// Credential mirrors one row of the credentials table.
type Credential struct {
	Fingerprint       string
	BalanceMsat       int64
	ReservedMsat      int64
	RefundAddress     string
	RefundMint        string
	RefundCurrency    string
	ParentFingerprint string
	CreatedAt         time.Time
	RefundExpiration  *time.Time
}

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Upsert creates the credential row when absent. Existing rows keep their
// balance and refund metadata untouched.
func (s *Store) Upsert(ctx context.Context, fingerprint string) error {
	if s == nil {
		return fmt.Errorf("store not configured")
	}
	fp := strings.TrimSpace(fingerprint)
	if fp == "" {
		return fmt.Errorf("fingerprint required")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO credentials(fingerprint, balance_msat, reserved_msat, created_at)
        VALUES(?, 0, 0, ?)
        ON CONFLICT(fingerprint) DO NOTHING
    `, fp, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// Get loads a credential by fingerprint.
func (s *Store) Get(ctx context.Context, fingerprint string) (Credential, error) {
	var cred Credential
	if s == nil {
		return cred, fmt.Errorf("store not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT fingerprint, balance_msat, reserved_msat,
               COALESCE(refund_address, ''), COALESCE(refund_mint, ''),
               refund_currency, COALESCE(parent_fingerprint, ''),
               created_at, refund_expiration
        FROM credentials WHERE fingerprint = ?
    `, strings.TrimSpace(fingerprint))
	var expiration sql.NullTime
	err := row.Scan(&cred.Fingerprint, &cred.BalanceMsat, &cred.ReservedMsat,
		&cred.RefundAddress, &cred.RefundMint, &cred.RefundCurrency,
		&cred.ParentFingerprint, &cred.CreatedAt, &expiration)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cred, ErrNotFound
		}
		return cred, fmt.Errorf("query credential: %w", err)
	}
	if expiration.Valid {
		t := expiration.Time
		cred.RefundExpiration = &t
	}
	return cred, nil
}

// Reserve locks amount msat against the credential. The balance predicate in
// the WHERE clause is the sole defence against concurrent over-reservation.
func (s *Store) Reserve(ctx context.Context, fingerprint string, amountMsat int64) error {
	if s == nil {
		return fmt.Errorf("store not configured")
	}
	if amountMsat < 0 {
		return fmt.Errorf("reserve amount must be non-negative")
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE credentials
        SET balance_msat = balance_msat - ?,
            reserved_msat = reserved_msat + ?,
            reserved_updated_at = ?
        WHERE fingerprint = ? AND balance_msat >= ?
    `, amountMsat, amountMsat, time.Now().UTC(), strings.TrimSpace(fingerprint), amountMsat)
	if err != nil {
		return fmt.Errorf("reserve: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reserve rows: %w", err)
	}
	if affected == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// Settle converts a reservation into an actual charge and returns the
// remainder to balance. actualMsat is clipped to [0, reservedMsat].
func (s *Store) Settle(ctx context.Context, fingerprint string, reservedMsat, actualMsat int64) error {
	if s == nil {
		return fmt.Errorf("store not configured")
	}
	if reservedMsat < 0 {
		return fmt.Errorf("reserved amount must be non-negative")
	}
	if actualMsat < 0 {
		actualMsat = 0
	}
	if actualMsat > reservedMsat {
		actualMsat = reservedMsat
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE credentials
        SET reserved_msat = reserved_msat - ?,
            balance_msat = balance_msat + ?,
            reserved_updated_at = ?
        WHERE fingerprint = ? AND reserved_msat >= ?
    `, reservedMsat, reservedMsat-actualMsat, time.Now().UTC(), strings.TrimSpace(fingerprint), reservedMsat)
	if err != nil {
		return fmt.Errorf("settle: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("settle rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Release returns the entire reservation to balance. Used on upstream failure.
func (s *Store) Release(ctx context.Context, fingerprint string, reservedMsat int64) error {
	return s.Settle(ctx, fingerprint, reservedMsat, 0)
}

// Credit adds amount msat to the usable balance.
func (s *Store) Credit(ctx context.Context, fingerprint string, amountMsat int64) error {
	if s == nil {
		return fmt.Errorf("store not configured")
	}
	if amountMsat < 0 {
		return fmt.Errorf("credit amount must be non-negative")
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE credentials SET balance_msat = balance_msat + ? WHERE fingerprint = ?
    `, amountMsat, strings.TrimSpace(fingerprint))
	if err != nil {
		return fmt.Errorf("credit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("credit rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRefundMetadata records refund preferences the first time they are seen.
// Existing values are never overwritten.
func (s *Store) SetRefundMetadata(ctx context.Context, fingerprint, address, mint, currency string, expiration *time.Time) error {
	if s == nil {
		return fmt.Errorf("store not configured")
	}
	var exp interface{}
	if expiration != nil {
		exp = expiration.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
        UPDATE credentials
        SET refund_address = COALESCE(refund_address, NULLIF(?, '')),
            refund_mint = COALESCE(refund_mint, NULLIF(?, '')),
            refund_currency = CASE WHEN ? != '' THEN ? ELSE refund_currency END,
            refund_expiration = COALESCE(refund_expiration, ?)
        WHERE fingerprint = ?
    `, strings.TrimSpace(address), strings.TrimSpace(mint),
		strings.TrimSpace(currency), strings.TrimSpace(currency), exp,
		strings.TrimSpace(fingerprint))
	if err != nil {
		return fmt.Errorf("set refund metadata: %w", err)
	}
	return nil
}

// SetParent links a credential to the credential that created it.
func (s *Store) SetParent(ctx context.Context, fingerprint, parent string) error {
	if s == nil {
		return fmt.Errorf("store not configured")
	}
	_, err := s.db.ExecContext(ctx, `
        UPDATE credentials SET parent_fingerprint = ? WHERE fingerprint = ? AND parent_fingerprint IS NULL
    `, strings.TrimSpace(parent), strings.TrimSpace(fingerprint))
	if err != nil {
		return fmt.Errorf("set parent: %w", err)
	}
	return nil
}

// Delete removes a drained credential. Rows holding a reservation are never
// deleted.
func (s *Store) Delete(ctx context.Context, fingerprint string) error {
	if s == nil {
		return fmt.Errorf("store not configured")
	}
	res, err := s.db.ExecContext(ctx, `
        DELETE FROM credentials WHERE fingerprint = ? AND reserved_msat = 0
    `, strings.TrimSpace(fingerprint))
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete rows: %w", err)
	}
	if affected == 0 {
		cred, getErr := s.Get(ctx, fingerprint)
		if getErr != nil {
			return getErr
		}
		if cred.ReservedMsat > 0 {
			return ErrReservationHeld
		}
		return ErrNotFound
	}
	return nil
}

// OrphanedReservations lists credentials whose reservation predates the
// cutoff. After a crash these are reservations with no live request.
func (s *Store) OrphanedReservations(ctx context.Context, cutoff time.Time) ([]Credential, error) {
	if s == nil {
		return nil, fmt.Errorf("store not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT fingerprint, reserved_msat FROM credentials
        WHERE reserved_msat > 0 AND reserved_updated_at < ?
    `, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("query orphans: %w", err)
	}
	defer rows.Close()
	var out []Credential
	for rows.Next() {
		var cred Credential
		if err := rows.Scan(&cred.Fingerprint, &cred.ReservedMsat); err != nil {
			return nil, fmt.Errorf("scan orphan: %w", err)
		}
		out = append(out, cred)
	}
	return out, rows.Err()
}

// RecoverReservation drops an orphaned reservation back into balance. The
// reserved predicate keeps the statement a no-op when a live request already
// settled it.
func (s *Store) RecoverReservation(ctx context.Context, fingerprint string, reservedMsat int64) error {
	if s == nil {
		return fmt.Errorf("store not configured")
	}
	_, err := s.db.ExecContext(ctx, `
        UPDATE credentials
        SET balance_msat = balance_msat + ?,
            reserved_msat = reserved_msat - ?,
            reserved_updated_at = ?
        WHERE fingerprint = ? AND reserved_msat >= ?
    `, reservedMsat, reservedMsat, time.Now().UTC(), strings.TrimSpace(fingerprint), reservedMsat)
	if err != nil {
		return fmt.Errorf("recover reservation: %w", err)
	}
	return nil
}

// GetSetting reads an admin-owned setting. Missing keys return ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	if s == nil {
		return "", fmt.Errorf("store not configured")
	}
	row := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, strings.TrimSpace(key))
	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("query setting: %w", err)
	}
	return value, nil
}

// PutSetting stores an admin-owned setting.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	if s == nil {
		return fmt.Errorf("store not configured")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO settings(key, value) VALUES(?, ?)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value
    `, strings.TrimSpace(key), value)
	if err != nil {
		return fmt.Errorf("put setting: %w", err)
	}
	return nil
}

// ListSettings returns all settings.
func (s *Store) ListSettings(ctx context.Context) (map[string]string, error) {
	if s == nil {
		return nil, fmt.Errorf("store not configured")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[key] = value
	}
	return out, rows.Err()
}
