// Package store persists uploaded file metadata in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	fileutil "famshare/internal/file"

	_ "modernc.org/sqlite"
)

// Status is the lifecycle state of a stored file.
type Status string

const (
	StatusUploading Status = "uploading"
	StatusCompleted Status = "completed"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// ErrNotFound means no live row matched for the caller.
var ErrNotFound = errors.New("file not found")

// File is one stored upload. Rows are owned by UserID and soft deleted.
type File struct {
	ID          string    `json:"file_id"`
	UserID      string    `json:"user_id"`
	Filename    string    `json:"filename"`
	Category    string    `json:"category"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"file_size"`
	ObjectKey   string    `json:"-"`
	FileHash    string    `json:"file_hash,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Tags        []string  `json:"tags"`
	Status      Status    `json:"status"`
	UploadedAt  time.Time `json:"uploaded_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ListOptions filters ListFiles. A zero Limit means DefaultListLimit.
type ListOptions struct {
	Query    string
	Category string
	Limit    int
}

// Store is the SQLite-backed file catalog.
type Store struct {
	db *sql.DB
}

// Open creates the database file if needed and runs migrations.
func Open(dbPath string) (*Store, error) {
	if err := fileutil.EnsureDir(filepath.Dir(dbPath)); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		category TEXT NOT NULL,
		content_type TEXT NOT NULL,
		size INTEGER NOT NULL,
		object_key TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'uploading',
		deleted INTEGER NOT NULL DEFAULT 0,
		uploaded_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_files_user ON files(user_id, deleted, uploaded_at);
	CREATE INDEX IF NOT EXISTS idx_files_category ON files(category);

	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	for _, m := range migrations {
		var count int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_version WHERE version = ?`, m.version).Scan(&count); err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		if count > 0 {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// migrations run in order after the base schema, once each.
var migrations = []struct {
	version int
	sql     string
}{
	// v1: sha-256 of the stored bytes, empty when the backend cannot report it
	{1, `ALTER TABLE files ADD COLUMN file_hash TEXT NOT NULL DEFAULT ''`},
	{2, `CREATE INDEX IF NOT EXISTS idx_files_object_key ON files(object_key)`},
}

// CreateFile inserts f. ID, ObjectKey and UserID must already be set.
func (s *Store) CreateFile(ctx context.Context, f *File) error {
	if f.ID == "" || f.UserID == "" || f.ObjectKey == "" {
		return errors.New("file id, user id and object key are required")
	}
	now := time.Now().UTC()
	if f.UploadedAt.IsZero() {
		f.UploadedAt = now
	}
	f.UpdatedAt = now
	if f.Status == "" {
		f.Status = StatusUploading
	}
	tags, err := encodeTags(f.Tags)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO files (id, user_id, filename, category, content_type, size, object_key, title, description, tags, status, uploaded_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.UserID, f.Filename, f.Category, f.ContentType, f.Size, f.ObjectKey,
		f.Title, f.Description, tags, string(f.Status), f.UploadedAt, f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

// CompleteUpload marks the caller's live file as completed.
func (s *Store) CompleteUpload(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET status = ?, updated_at = ? WHERE id = ? AND user_id = ? AND deleted = 0`,
		string(StatusCompleted), time.Now().UTC(), id, userID,
	)
	if err != nil {
		return fmt.Errorf("complete upload: %w", err)
	}
	return requireAffected(res)
}

// SetFileHash records the digest of the bytes stored under objectKey.
func (s *Store) SetFileHash(ctx context.Context, objectKey, hash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET file_hash = ?, updated_at = ? WHERE object_key = ? AND deleted = 0`,
		hash, time.Now().UTC(), objectKey,
	)
	if err != nil {
		return fmt.Errorf("set file hash: %w", err)
	}
	return requireAffected(res)
}

// GetFile returns the caller's live file or ErrNotFound.
func (s *Store) GetFile(ctx context.Context, userID, id string) (*File, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE id = ? AND user_id = ? AND deleted = 0`,
		id, userID,
	)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query file: %w", err)
	}
	return f, nil
}

// ListFiles returns the caller's completed files, newest first. Query matches
// title, filename or tags.
func (s *Store) ListFiles(ctx context.Context, userID string, opts ListOptions) ([]File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE user_id = ? AND deleted = 0 AND status = ?`
	args := []interface{}{userID, string(StatusCompleted)}

	if q := strings.TrimSpace(opts.Query); q != "" {
		like := "%" + q + "%"
		query += ` AND (title LIKE ? OR filename LIKE ? OR tags LIKE ?)`
		args = append(args, like, like, like)
	}
	if c := strings.TrimSpace(opts.Category); c != "" {
		query += ` AND category = ?`
		args = append(args, c)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	query += ` ORDER BY uploaded_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	files := []File{}
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

// DeleteFile soft deletes the caller's file.
func (s *Store) DeleteFile(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET deleted = 1, updated_at = ? WHERE id = ? AND user_id = ? AND deleted = 0`,
		time.Now().UTC(), id, userID,
	)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return requireAffected(res)
}

const fileColumns = `id, user_id, filename, category, content_type, size, object_key, file_hash, title, description, tags, status, uploaded_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanFile(row scanner) (*File, error) {
	var f File
	var tags, status string
	if err := row.Scan(&f.ID, &f.UserID, &f.Filename, &f.Category, &f.ContentType, &f.Size, &f.ObjectKey, &f.FileHash,
		&f.Title, &f.Description, &tags, &status, &f.UploadedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.Status = Status(status)
	if err := json.Unmarshal([]byte(tags), &f.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if f.Tags == nil {
		f.Tags = []string{}
	}
	return &f, nil
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	return string(data), nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
