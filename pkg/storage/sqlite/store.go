// Package sqlite implements storage.RegistryStore on an embedded SQLite
// database (modernc.org/sqlite, pure Go). The database runs in WAL mode for
// crash durability; schema changes go through goose migrations.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/kneelinghorse/semantext-hub/pkg/storage"
)

// Store implements storage.RegistryStore using SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.RegistryStore = (*Store)(nil)

// Open opens (creating if needed) the registry database at path, applies
// pending migrations, and returns the store.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := "file:" + path + "?" + url.Values{
		"_pragma": []string{
			"journal_mode(WAL)",
			"busy_timeout(5000)",
			"foreign_keys(1)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// A single writer connection sidesteps SQLITE_BUSY under concurrency.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// DB exposes the raw handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertManifest inserts or replaces a manifest row. created_at is
// preserved across replacement; updated_at is refreshed by the trigger.
func (s *Store) UpsertManifest(ctx context.Context, rec storage.ManifestRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO manifests (urn, body, digest, issuer, signature)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(urn) DO UPDATE SET
			body = excluded.body,
			digest = excluded.digest,
			issuer = excluded.issuer,
			signature = excluded.signature`,
		rec.URN, string(rec.Body), rec.Digest, rec.Issuer, rec.Signature,
	)
	if err != nil {
		return fmt.Errorf("upserting manifest: %w", err)
	}
	return nil
}

// GetManifest returns the row for a URN.
func (s *Store) GetManifest(ctx context.Context, urn string) (storage.ManifestRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT urn, body, digest, issuer, signature, created_at, updated_at
		FROM manifests WHERE urn = ?`, urn,
	)

	var rec storage.ManifestRecord
	var body, createdAt, updatedAt string
	err := row.Scan(&rec.URN, &body, &rec.Digest, &rec.Issuer, &rec.Signature, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ManifestRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.ManifestRecord{}, fmt.Errorf("scanning manifest: %w", err)
	}
	rec.Body = []byte(body)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return rec, nil
}

// DeleteManifest removes the row; capability rows cascade, provenance rows
// are removed explicitly since they are keyed independently.
func (s *Store) DeleteManifest(ctx context.Context, urn string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `DELETE FROM manifests WHERE urn = ?`, urn)
	if err != nil {
		return fmt.Errorf("deleting manifest: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM provenance WHERE urn = ?`, urn); err != nil {
		return fmt.Errorf("deleting provenance: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("counting deleted rows: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return tx.Commit()
}

// ListURNs pages through stored URNs in lexical order.
func (s *Store) ListURNs(ctx context.Context, limit, offset int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT urn FROM manifests ORDER BY urn LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing urns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var urns []string
	for rows.Next() {
		var urn string
		if err := rows.Scan(&urn); err != nil {
			return nil, fmt.Errorf("scanning urn: %w", err)
		}
		urns = append(urns, urn)
	}
	return urns, rows.Err()
}

// ReplaceCapabilities swaps the capability rows of a URN in one
// transaction.
func (s *Store) ReplaceCapabilities(ctx context.Context, urn string, caps []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `DELETE FROM capabilities WHERE urn = ?`, urn); err != nil {
		return fmt.Errorf("clearing capabilities: %w", err)
	}
	for _, capability := range caps {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO capabilities (urn, cap) VALUES (?, ?)`,
			urn, capability,
		); err != nil {
			return fmt.Errorf("inserting capability %q: %w", capability, err)
		}
	}
	return tx.Commit()
}

// FindByCapability returns the URNs offering a capability.
func (s *Store) FindByCapability(ctx context.Context, capability string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT urn FROM capabilities WHERE cap = ? ORDER BY urn`, capability)
	if err != nil {
		return nil, fmt.Errorf("querying capabilities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var urns []string
	for rows.Next() {
		var urn string
		if err := rows.Scan(&urn); err != nil {
			return nil, fmt.Errorf("scanning urn: %w", err)
		}
		urns = append(urns, urn)
	}
	return urns, rows.Err()
}

// RecordProvenance stores a verified attestation. Re-recording the same
// (urn, digest) pair is a no-op.
func (s *Store) RecordProvenance(ctx context.Context, rec storage.ProvenanceRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provenance (urn, envelope, payload_type, digest, issuer, builder, commit_sha)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.URN, string(rec.Envelope), rec.PayloadType, rec.Digest,
		rec.Issuer, rec.Builder, rec.Commit,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("recording provenance: %w", err)
	}
	return nil
}

// GetProvenance returns the latest attestation for a URN.
func (s *Store) GetProvenance(ctx context.Context, urn string) (storage.ProvenanceRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT urn, envelope, payload_type, digest, issuer, builder, commit_sha, committed_at
		FROM provenance WHERE urn = ?
		ORDER BY committed_at DESC LIMIT 1`, urn,
	)

	var rec storage.ProvenanceRecord
	var envelope, committedAt string
	err := row.Scan(&rec.URN, &envelope, &rec.PayloadType, &rec.Digest,
		&rec.Issuer, &rec.Builder, &rec.Commit, &committedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ProvenanceRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.ProvenanceRecord{}, fmt.Errorf("scanning provenance: %w", err)
	}
	rec.Envelope = []byte(envelope)
	rec.CommittedAt = parseTime(committedAt)
	return rec, nil
}

// Health reports driver, WAL state, schema version, and row count.
func (s *Store) Health(ctx context.Context) (storage.HealthInfo, error) {
	info := storage.HealthInfo{Driver: "sqlite"}

	var mode string
	if err := s.db.QueryRowContext(ctx, `PRAGMA journal_mode`).Scan(&mode); err != nil {
		return info, fmt.Errorf("reading journal mode: %w", err)
	}
	info.WAL = mode == "wal"

	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_history`).Scan(&info.SchemaVersion); err != nil {
		return info, fmt.Errorf("reading schema version: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM manifests`).Scan(&info.Records); err != nil {
		return info, fmt.Errorf("counting manifests: %w", err)
	}
	return info, nil
}

func parseTime(s string) time.Time {
	for _, layout := range []string{"2006-01-02T15:04:05.999Z", time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// isUniqueViolation checks for a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
