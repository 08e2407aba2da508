package kv

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Postgres adapts the teacher's AES-256-GCM envelope storage
// (internal/storage/postgres.go in the Collider-Custody mpc-signer repo)
// into a generic (key, value, expires_at) KV table, so that dependency is
// exercised as one more selectable backend (DATABASE_URL) rather than
// dropped. Values are stored as opaque bytes; callers are responsible for
// any encryption-at-rest policy above this layer (the original envelope
// encryption lived at the ShareData layer, one level above a raw KV get/set).
type Postgres struct {
	db *sql.DB
}

// NewPostgres connects to databaseURL and ensures the kv table exists.
func NewPostgres(databaseURL string) (*Postgres, error) {
	if !strings.Contains(databaseURL, "sslmode=") {
		if strings.Contains(databaseURL, "?") {
			databaseURL += "&sslmode=disable"
		} else {
			databaseURL += "?sslmode=disable"
		}
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS threshold_signer_kv (
			key TEXT PRIMARY KEY,
			value BYTEA NOT NULL,
			expires_at TIMESTAMP WITH TIME ZONE
		)
	`)
	if err != nil {
		return nil, err
	}

	return &Postgres{db: db}, nil
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt sql.NullTime
	err := p.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM threshold_signer_kv WHERE key = $1`, key,
	).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ErrUnavailable("postgres", err)
	}
	if expiresAt.Valid && time.Now().After(expiresAt.Time) {
		_ = p.Del(ctx, key)
		return nil, false, nil
	}
	return value, true, nil
}

func (p *Postgres) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt any
	if ttl > 0 {
		expiresAt = time.Now().Add(RoundTTL(ttl))
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO threshold_signer_kv (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`, key, value, expiresAt)
	if err != nil {
		return ErrUnavailable("postgres", err)
	}
	return nil
}

func (p *Postgres) Del(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM threshold_signer_kv WHERE key = $1`, key)
	if err != nil {
		return ErrUnavailable("postgres", err)
	}
	return nil
}

// GetDel is not atomic at the SQL layer without a stored procedure; it
// downgrades to a transaction that selects-for-update then deletes, which is
// atomic with respect to other transactions. Postgres has no DowngradeLogger,
// so this path is not reported as a downgrade.
func (p *Postgres) GetDel(ctx context.Context, key string) ([]byte, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, ErrUnavailable("postgres", err)
	}
	defer tx.Rollback()

	var value []byte
	err = tx.QueryRowContext(ctx,
		`SELECT value FROM threshold_signer_kv WHERE key = $1 FOR UPDATE`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ErrUnavailable("postgres", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM threshold_signer_kv WHERE key = $1`, key); err != nil {
		return nil, false, ErrUnavailable("postgres", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, ErrUnavailable("postgres", err)
	}
	return value, true, nil
}

func (p *Postgres) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, ErrUnavailable("postgres", err)
	}
	defer tx.Rollback()

	var cur int64
	var raw []byte
	err = tx.QueryRowContext(ctx, `SELECT value FROM threshold_signer_kv WHERE key = $1 FOR UPDATE`, key).Scan(&raw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUnavailable("postgres", err)
	}
	if err == nil {
		cur = parseInt64(raw)
	}
	cur += delta
	next := []byte(itoa(cur))
	_, err = tx.ExecContext(ctx, `
		INSERT INTO threshold_signer_kv (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, next)
	if err != nil {
		return 0, ErrUnavailable("postgres", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, ErrUnavailable("postgres", err)
	}
	return cur, nil
}

func parseInt64(b []byte) int64 {
	var v int64
	neg := false
	for i, c := range b {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		v = v*10 + int64(c-'0')
	}
	if neg {
		v = -v
	}
	return v
}

// Close closes the database connection.
func (p *Postgres) Close() error {
	return p.db.Close()
}
