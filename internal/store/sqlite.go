package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite keeps the ledger in a local database file.
type SQLite struct {
	db   *sql.DB
	path string
}

// NewSQLite opens or creates the database at path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &SQLite{db: db, path: path}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return s, nil
}

// Play dates and creation times are stored as DateLayout text in UTC.
func (s *SQLite) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tb_drm_info (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			file_hash TEXT NOT NULL,
			ori_file_name VARCHAR(100),
			org_filepath VARCHAR(256),
			masking_file_name VARCHAR(100),
			masking_status CHAR(10),
			enc_file_name VARCHAR(100),
			enc_status CHAR(10),
			play_date TEXT,
			play_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS tb_drm_info_file_hash_idx ON tb_drm_info (file_hash);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(DateLayout)
}

func parseTime(s string) time.Time {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *SQLite) Insert(ctx context.Context, r Record) (int64, error) {
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tb_drm_info (
			file_hash, ori_file_name, org_filepath, masking_file_name,
			masking_status, enc_file_name, enc_status, play_date, play_count, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.FileHash, r.OriginalName, r.OriginalPath, r.MaskedName,
		r.MaskingStatus, r.EncryptedName, r.EncryptedStatus,
		formatTime(r.PlayDate), r.PlayCount, formatTime(created))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const sqliteColumns = `seq, file_hash, COALESCE(ori_file_name, ''), COALESCE(org_filepath, ''),
	COALESCE(masking_file_name, ''), COALESCE(masking_status, ''),
	COALESCE(enc_file_name, ''), COALESCE(enc_status, ''),
	COALESCE(play_date, ''), play_count, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row scanner) (Record, error) {
	var (
		r                 Record
		playDate, created string
	)
	err := row.Scan(&r.Seq, &r.FileHash, &r.OriginalName, &r.OriginalPath,
		&r.MaskedName, &r.MaskingStatus, &r.EncryptedName, &r.EncryptedStatus,
		&playDate, &r.PlayCount, &created)
	if err != nil {
		return Record{}, err
	}
	r.PlayDate = parseTime(playDate)
	r.CreatedAt = parseTime(created)
	return r, nil
}

func (s *SQLite) Get(ctx context.Context, hash string) (Record, error) {
	r, err := scanSQLite(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM tb_drm_info WHERE file_hash = ? ORDER BY seq DESC LIMIT 1`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

func (s *SQLite) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteColumns+` FROM tb_drm_info ORDER BY seq DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) Grant(ctx context.Context, hash string, playDate time.Time, playCount int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tb_drm_info SET play_date = ?, play_count = ? WHERE file_hash = ?",
		formatTime(playDate), playCount, hash)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLite) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS tb_drm_info"); err != nil {
		return err
	}
	return s.initSchema(ctx)
}
