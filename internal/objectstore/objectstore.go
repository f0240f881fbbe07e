// Package objectstore hands out short-lived URLs that upload clients PUT to
// and download clients GET from.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"famshare/internal/config"
)

var (
	ErrInvalidKey   = errors.New("invalid object key")
	ErrInvalidToken = errors.New("invalid or expired object token")
	ErrNotFound     = errors.New("object not found")
)

// Backend presigns byte transfers against some object store.
type Backend interface {
	PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)
	PresignGet(ctx context.Context, key, filename string, ttl time.Duration) (string, error)
	Ping(ctx context.Context) error
	Name() string
}

// New builds the backend selected in cfg.Storage.
func New(ctx context.Context, cfg config.Config) (Backend, error) {
	switch cfg.Storage.Backend {
	case config.BackendLocal, "":
		l, err := NewLocal(filepath.Join(cfg.DataDir, "objects"), cfg.PublicURL, cfg.JWTSecret)
		if err != nil {
			return nil, err
		}
		return l, nil
	case config.BackendS3:
		s, err := NewS3(ctx, cfg.Storage)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendMinio:
		m, err := NewMinio(cfg.Storage)
		if err != nil {
			return nil, err
		}
		if err := m.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// ObjectKey returns uploads/<user>/<file>/<name> with the name reduced to a
// safe base name.
func ObjectKey(userID, fileID, filename string) string {
	return path.Join("uploads", SanitizeName(userID), SanitizeName(fileID), SanitizeName(filename))
}

// SanitizeName keeps letters, digits, dots, dashes and underscores.
func SanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "file"
	}
	return out
}

func cleanKey(key string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	if key == "" || strings.Contains(key, "\\") {
		return "", ErrInvalidKey
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", ErrInvalidKey
		}
	}
	return key, nil
}

func contentDisposition(filename string) string {
	return fmt.Sprintf("attachment; filename=%q", SanitizeName(filename))
}
