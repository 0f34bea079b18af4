package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	licenseErrors "licensed/internal/errors"
	"licensed/internal/license"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS licenses (
	key          TEXT PRIMARY KEY,
	duration     TEXT        NOT NULL,
	duration_ms  BIGINT      NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	created_by   TEXT        NOT NULL,
	issued_for   TEXT,
	identity     TEXT,
	activated_at TIMESTAMPTZ,
	expires_at   TIMESTAMPTZ,
	status       TEXT        NOT NULL
);
CREATE INDEX IF NOT EXISTS licenses_identity_status_idx ON licenses (identity, status);
`

const upsertLicense = `
INSERT INTO licenses (key, duration, duration_ms, created_at, created_by, issued_for, identity, activated_at, expires_at, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (key) DO UPDATE SET
	duration = EXCLUDED.duration,
	duration_ms = EXCLUDED.duration_ms,
	created_at = EXCLUDED.created_at,
	created_by = EXCLUDED.created_by,
	issued_for = EXCLUDED.issued_for,
	identity = EXCLUDED.identity,
	activated_at = EXCLUDED.activated_at,
	expires_at = EXCLUDED.expires_at,
	status = EXCLUDED.status
`

const (
	selectLicenses = `
SELECT key, duration, duration_ms, created_at, created_by, issued_for, identity, activated_at, expires_at, status
FROM licenses`

	insertLicense = `
INSERT INTO licenses (key, duration, duration_ms, created_at, created_by, issued_for, identity, activated_at, expires_at, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (key) DO NOTHING`

	// replaceLicense only touches the row while it still holds the version
	// the caller read.
	replaceLicense = `
UPDATE licenses SET identity = $2, activated_at = $3, expires_at = $4, status = $5
WHERE key = $1
	AND status = $6
	AND COALESCE(identity, '') = $7
	AND expires_at IS NOT DISTINCT FROM $8`
)

// PostgresSnapshotter stores the collection in a licenses table. It is a
// RecordStore, so several service instances may share the database.
type PostgresSnapshotter struct {
	db *sql.DB
}

// OpenPostgres connects with dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresSnapshotter, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresSnapshotter{db: db}, nil
}

// NewPostgresSnapshotter wraps an existing handle.
func NewPostgresSnapshotter(db *sql.DB) *PostgresSnapshotter {
	return &PostgresSnapshotter{db: db}
}

// Migrate creates the licenses table if needed.
func (p *PostgresSnapshotter) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to migrate licenses table: %w", err)
	}
	return nil
}

func (p *PostgresSnapshotter) Load(ctx context.Context) ([]license.License, error) {
	rows, err := p.db.QueryContext(ctx, selectLicenses+` ORDER BY created_at, key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query licenses: %w", err)
	}
	defer rows.Close()

	var out []license.License
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Get reads a single license.
func (p *PostgresSnapshotter) Get(ctx context.Context, key string) (license.License, error) {
	l, err := scanLicense(p.db.QueryRowContext(ctx, selectLicenses+` WHERE key = $1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return license.License{}, licenseErrors.ErrLicenseNotFound
	}
	return l, err
}

// Insert adds a license unless its key is taken.
func (p *PostgresSnapshotter) Insert(ctx context.Context, l license.License) error {
	res, err := p.db.ExecContext(ctx, insertLicense,
		l.Key, string(l.Duration), l.Length.Milliseconds(), l.CreatedAt, l.CreatedBy,
		nullString(l.IssuedFor), nullString(l.Identity),
		nullTime(l.ActivatedAt), nullTime(l.ExpiresAt), string(l.Status))
	if err != nil {
		return fmt.Errorf("failed to insert license: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to insert license: %w", err)
	} else if n == 0 {
		return licenseErrors.ErrDuplicateKey
	}
	return nil
}

// Replace applies a state transition if the row still matches prev.
func (p *PostgresSnapshotter) Replace(ctx context.Context, prev, next license.License) error {
	res, err := p.db.ExecContext(ctx, replaceLicense,
		next.Key, nullString(next.Identity), nullTime(next.ActivatedAt), nullTime(next.ExpiresAt), string(next.Status),
		string(prev.Status), prev.Identity, nullTime(prev.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to update license: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update license: %w", err)
	}
	if n == 0 {
		return ErrStaleRecord
	}
	return nil
}

// Remove deletes a license and reports whether it existed.
func (p *PostgresSnapshotter) Remove(ctx context.Context, key string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM licenses WHERE key = $1`, key)
	if err != nil {
		return false, fmt.Errorf("failed to delete license: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete license: %w", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(row rowScanner) (license.License, error) {
	var (
		l                    license.License
		duration, status     string
		durationMs           int64
		issuedFor, identity  sql.NullString
		activatedAt, expires pq.NullTime
	)
	if err := row.Scan(&l.Key, &duration, &durationMs, &l.CreatedAt, &l.CreatedBy,
		&issuedFor, &identity, &activatedAt, &expires, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return license.License{}, err
		}
		return license.License{}, fmt.Errorf("failed to scan license: %w", err)
	}

	l.Duration = license.Duration(duration)
	l.Length = time.Duration(durationMs) * time.Millisecond
	l.Status = license.Status(status)
	l.IssuedFor = issuedFor.String
	l.Identity = identity.String
	if activatedAt.Valid {
		l.ActivatedAt = activatedAt.Time
	}
	if expires.Valid {
		l.ExpiresAt = expires.Time
	}
	if !l.Status.Valid() {
		return license.License{}, fmt.Errorf("license %s: unknown status %q", l.Key, status)
	}
	return l, nil
}

// Save upserts every license and deletes rows missing from the snapshot in
// one transaction. Collections over Postgres write per row; Save remains for
// bulk imports into an empty or single-writer database.
func (p *PostgresSnapshotter) Save(ctx context.Context, licenses []license.License) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertLicense)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	keys := make([]string, 0, len(licenses))
	for _, l := range licenses {
		keys = append(keys, l.Key)
		if _, err := stmt.ExecContext(ctx,
			l.Key, string(l.Duration), l.Length.Milliseconds(), l.CreatedAt, l.CreatedBy,
			nullString(l.IssuedFor), nullString(l.Identity),
			nullTime(l.ActivatedAt), nullTime(l.ExpiresAt), string(l.Status),
		); err != nil {
			return fmt.Errorf("failed to upsert license: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM licenses WHERE NOT (key = ANY($1))`, pq.Array(keys)); err != nil {
		return fmt.Errorf("failed to delete removed licenses: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresSnapshotter) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresSnapshotter) Close() error {
	return p.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) pq.NullTime {
	return pq.NullTime{Time: t, Valid: !t.IsZero()}
}
