package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// Postgres keeps the ledger in PostgreSQL. A single pgx.Conn is not safe for
// concurrent use, so every statement holds mu.
type Postgres struct {
	mu   sync.Mutex
	conn *pgx.Conn
}

// NewPostgres establishes a connection and ensures the schema exists.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initPostgresSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Postgres{conn: conn}, nil
}

func initPostgresSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS tb_drm_info (
			seq BIGSERIAL PRIMARY KEY,
			file_hash TEXT NOT NULL,
			ori_file_name VARCHAR(100),
			org_filepath VARCHAR(256),
			masking_file_name VARCHAR(100),
			masking_status CHAR(10),
			enc_file_name VARCHAR(100),
			enc_status CHAR(10),
			play_date TIMESTAMPTZ,
			play_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS tb_drm_info_file_hash_idx ON tb_drm_info (file_hash);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Postgres) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close(context.Background())
}

func (s *Postgres) Insert(ctx context.Context, r Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var seq int64
	err := s.conn.QueryRow(ctx, `
		INSERT INTO tb_drm_info (
			file_hash, ori_file_name, org_filepath, masking_file_name,
			masking_status, enc_file_name, enc_status, play_date, play_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING seq
	`, r.FileHash, r.OriginalName, r.OriginalPath, r.MaskedName,
		r.MaskingStatus, r.EncryptedName, r.EncryptedStatus, r.PlayDate, r.PlayCount).Scan(&seq)
	return seq, err
}

const postgresColumns = `seq, file_hash, COALESCE(ori_file_name, ''), COALESCE(org_filepath, ''),
	COALESCE(masking_file_name, ''), TRIM(COALESCE(masking_status, '')),
	COALESCE(enc_file_name, ''), TRIM(COALESCE(enc_status, '')),
	COALESCE(play_date, 'epoch'::timestamptz), play_count, created_at`

func scanPostgres(row pgx.Row) (Record, error) {
	var r Record
	err := row.Scan(&r.Seq, &r.FileHash, &r.OriginalName, &r.OriginalPath,
		&r.MaskedName, &r.MaskingStatus, &r.EncryptedName, &r.EncryptedStatus,
		&r.PlayDate, &r.PlayCount, &r.CreatedAt)
	return r, err
}

func (s *Postgres) Get(ctx context.Context, hash string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := scanPostgres(s.conn.QueryRow(ctx,
		`SELECT `+postgresColumns+` FROM tb_drm_info WHERE file_hash = $1 ORDER BY seq DESC LIMIT 1`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

func (s *Postgres) List(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.conn.Query(ctx, `SELECT `+postgresColumns+` FROM tb_drm_info ORDER BY seq DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanPostgres(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Postgres) Grant(ctx context.Context, hash string, playDate time.Time, playCount int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag, err := s.conn.Exec(ctx,
		"UPDATE tb_drm_info SET play_date = $1, play_count = $2 WHERE file_hash = $3",
		playDate, playCount, hash)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Reset drops the ledger table to clear the database state.
func (s *Postgres) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.conn.Exec(ctx, "DROP TABLE IF EXISTS tb_drm_info CASCADE"); err != nil {
		return err
	}
	return initPostgresSchema(ctx, s.conn)
}
