package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestIsPostgres(t *testing.T) {
	tests := []struct {
		dsn  string
		want bool
	}{
		{"postgres://u:p@localhost:5432/veil", true},
		{"  postgresql://localhost/veil", true},
		{"/var/lib/veil/ledger.db", false},
		{"ledger.db", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsPostgres(tt.dsn); got != tt.want {
			t.Errorf("IsPostgres(%q) = %v, want %v", tt.dsn, got, tt.want)
		}
	}
}

func TestSQLiteLedger(t *testing.T) {
	ctx := context.Background()
	l, err := Open(ctx, filepath.Join(t.TempDir(), "nested", "ledger.db"))
	require.NoError(t, err)
	defer l.Close()
	_, ok := l.(*SQLite)
	require.True(t, ok, "expected the SQLite backend for a file path")

	exerciseLedger(t, l)
}

func TestSQLiteLedgerSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	l, err := NewSQLite(ctx, path)
	require.NoError(t, err)
	_, err = l.Insert(ctx, Record{FileHash: "abc", PlayCount: 3})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = NewSQLite(ctx, path)
	require.NoError(t, err)
	defer l.Close()
	got, err := l.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, 3, got.PlayCount)
	assert.True(t, got.PlayDate.IsZero())
}

// exerciseLedger runs the behaviour both backends must share.
func exerciseLedger(t *testing.T, l Ledger) {
	t.Helper()
	ctx := context.Background()
	playDate := time.Date(2026, 11, 16, 9, 30, 0, 0, time.UTC)

	first := Record{
		FileHash:        "hash-a",
		OriginalName:    "clip.mp4",
		OriginalPath:    "/videos/clip.mp4",
		MaskedName:      "clip_masked.mp4",
		MaskingStatus:   StatusSuccess,
		EncryptedName:   "clip_masked.veil",
		EncryptedStatus: StatusSuccess,
		PlayDate:        playDate,
		PlayCount:       99,
	}
	seqA, err := l.Insert(ctx, first)
	require.NoError(t, err)
	assert.Positive(t, seqA)

	second := first
	second.PlayCount = 5
	seqB, err := l.Insert(ctx, second)
	require.NoError(t, err)
	assert.Greater(t, seqB, seqA)

	_, err = l.Insert(ctx, Record{FileHash: "hash-b", OriginalName: "other.mp4", PlayCount: 1})
	require.NoError(t, err)

	got, err := l.Get(ctx, "hash-a")
	require.NoError(t, err)
	assert.Equal(t, seqB, got.Seq)
	assert.Equal(t, "clip_masked.veil", got.EncryptedName)
	assert.Equal(t, StatusSuccess, got.MaskingStatus)
	assert.Equal(t, 5, got.PlayCount)
	assert.True(t, playDate.Equal(got.PlayDate), "play date %v", got.PlayDate)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = l.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	rows, err := l.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "hash-b", rows[0].FileHash)

	extended := playDate.AddDate(0, 1, 0)
	n, err := l.Grant(ctx, "hash-a", extended, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	got, err = l.Get(ctx, "hash-a")
	require.NoError(t, err)
	assert.Equal(t, 10, got.PlayCount)
	assert.True(t, extended.Equal(got.PlayDate))

	n, err = l.Grant(ctx, "missing", extended, 1)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, l.Reset(ctx))
	rows, err = l.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
	_, err = l.Insert(ctx, first)
	require.NoError(t, err, "ledger must be usable after reset")
}

// TestPostgresLedgerIntegration runs the shared checks against a real Postgres
// container. It requires Docker to be running.
func TestPostgresLedgerIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Skipf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("veil_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	l, err := Open(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to ledger: %v", err)
	}
	defer l.Close()
	if _, ok := l.(*Postgres); !ok {
		t.Fatalf("expected the Postgres backend, got %T", l)
	}

	exerciseLedger(t, l)
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
