// Package storage defines the durable registry store behind the network
// service: published manifests, their capability rows, and signed-build
// provenance.
package storage

import (
	"context"
	"time"
)

// ManifestRecord is one published manifest row.
type ManifestRecord struct {
	URN       string
	Body      []byte
	Digest    string
	Issuer    string
	Signature string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProvenanceRecord is one verified attestation row.
type ProvenanceRecord struct {
	URN         string
	Envelope    []byte
	PayloadType string
	Digest      string
	Issuer      string
	Builder     string
	Commit      string
	CommittedAt time.Time
}

// HealthInfo describes the store for the health endpoint.
type HealthInfo struct {
	Driver        string `json:"driver"`
	WAL           bool   `json:"wal"`
	SchemaVersion int64  `json:"schema_version"`
	Records       int64  `json:"records"`
}

// RegistryStore persists published manifests.
type RegistryStore interface {
	// UpsertManifest inserts or replaces a manifest row.
	UpsertManifest(ctx context.Context, rec ManifestRecord) error

	// GetManifest returns the row for a URN, or ErrNotFound.
	GetManifest(ctx context.Context, urn string) (ManifestRecord, error)

	// DeleteManifest removes the row and its capability and provenance rows.
	DeleteManifest(ctx context.Context, urn string) error

	// ListURNs pages through stored URNs in lexical order.
	ListURNs(ctx context.Context, limit, offset int) ([]string, error)

	// ReplaceCapabilities swaps the capability rows of a URN.
	ReplaceCapabilities(ctx context.Context, urn string, caps []string) error

	// FindByCapability returns the URNs offering a capability.
	FindByCapability(ctx context.Context, capability string) ([]string, error)

	// RecordProvenance stores a verified attestation for a URN.
	RecordProvenance(ctx context.Context, rec ProvenanceRecord) error

	// GetProvenance returns the latest attestation for a URN, or ErrNotFound.
	GetProvenance(ctx context.Context, urn string) (ProvenanceRecord, error)

	// Health reports driver, WAL state, schema version, and row count.
	Health(ctx context.Context) (HealthInfo, error)

	// Close releases the underlying connection.
	Close() error
}
