// Package store persists the DRM ledger: one row per exported deliverable,
// keyed by the SHA-256 of the encrypted file, carrying its usage rights.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// DateLayout is how play dates and timestamps are rendered and stored as text.
const DateLayout = "2006-01-02 15:04:05"

// Status values recorded for the masking and encryption steps.
const (
	StatusSuccess = "success"
	StatusFailed  = "fail"
)

// ErrNotFound is returned when no ledger row matches.
var ErrNotFound = errors.New("ledger record not found")

// Record is one row of tb_drm_info.
type Record struct {
	Seq             int64
	FileHash        string
	OriginalName    string
	OriginalPath    string
	MaskedName      string
	MaskingStatus   string
	EncryptedName   string
	EncryptedStatus string
	PlayDate        time.Time
	PlayCount       int
	CreatedAt       time.Time
}

// Ledger is the storage contract shared by the PostgreSQL and SQLite backends.
type Ledger interface {
	// Insert appends r and returns its sequence number.
	Insert(ctx context.Context, r Record) (int64, error)
	// Get returns the newest row for a deliverable hash.
	Get(ctx context.Context, hash string) (Record, error)
	// List returns every row, newest first.
	List(ctx context.Context) ([]Record, error)
	// Grant rewrites the play date and count of every row for hash and
	// returns how many rows changed.
	Grant(ctx context.Context, hash string, playDate time.Time, playCount int) (int64, error)
	// Reset drops the ledger table and recreates it empty.
	Reset(ctx context.Context) error
	Close() error
}

// IsPostgres reports whether dsn selects the PostgreSQL backend.
func IsPostgres(dsn string) bool {
	dsn = strings.TrimSpace(dsn)
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// Open connects to the ledger named by dsn. A postgres:// URL selects
// PostgreSQL; anything else is a SQLite database path.
func Open(ctx context.Context, dsn string) (Ledger, error) {
	if IsPostgres(dsn) {
		return NewPostgres(ctx, dsn)
	}
	return NewSQLite(ctx, dsn)
}
