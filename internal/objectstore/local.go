package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	fileutil "famshare/internal/file"

	"github.com/golang-jwt/jwt/v5"
)

// ObjectRoute is where the API mounts the local byte target.
const ObjectRoute = "/objects"

type objectClaims struct {
	Method      string `json:"m"`
	Key         string `json:"k"`
	ContentType string `json:"ct,omitempty"`
	Filename    string `json:"fn,omitempty"`
	jwt.RegisteredClaims
}

// Grant is what a verified object token allows.
type Grant struct {
	Method      string
	Key         string
	ContentType string
	Filename    string
}

// Local keeps objects on disk and signs URLs that point back at the server.
type Local struct {
	root      string
	publicURL string
	secret    []byte
	now       func() time.Time
}

// NewLocal creates a disk backend rooted at root whose URLs point at publicURL.
func NewLocal(root, publicURL, secret string) (*Local, error) {
	if err := fileutil.EnsureDir(root); err != nil {
		return nil, err
	}
	return &Local{
		root:      root,
		publicURL: strings.TrimRight(publicURL, "/"),
		secret:    []byte(secret),
		now:       time.Now,
	}, nil
}

func (l *Local) Name() string { return "local" }

func (l *Local) Ping(context.Context) error {
	info, err := os.Stat(l.root)
	if err != nil {
		return fmt.Errorf("stat object root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("object root %s is not a directory", l.root)
	}
	return nil
}

// PresignPut issues a token-bearing URL for one PUT of key.
func (l *Local) PresignPut(_ context.Context, key, contentType string, ttl time.Duration) (string, error) {
	return l.sign(Grant{Method: http.MethodPut, Key: key, ContentType: contentType}, ttl)
}

func (l *Local) PresignGet(_ context.Context, key, filename string, ttl time.Duration) (string, error) {
	return l.sign(Grant{Method: http.MethodGet, Key: key, Filename: filename}, ttl)
}

// Verify checks that token grants method on key.
func (l *Local) Verify(token, method, key string) (Grant, error) {
	key, err := cleanKey(key)
	if err != nil {
		return Grant{}, err
	}
	parsed, err := jwt.ParseWithClaims(token, &objectClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return l.secret, nil
	}, jwt.WithTimeFunc(l.now))
	if err != nil {
		return Grant{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*objectClaims)
	if !ok || !parsed.Valid || claims.Method != method || claims.Key != key {
		return Grant{}, ErrInvalidToken
	}
	return Grant{Method: claims.Method, Key: claims.Key, ContentType: claims.ContentType, Filename: claims.Filename}, nil
}

// Stored describes an object written by Local.Write.
type Stored struct {
	Size   int64
	SHA256 string
}

// Write atomically stores the object and returns its size and SHA-256 digest.
func (l *Local) Write(key string, r io.Reader) (Stored, error) {
	p, err := l.path(key)
	if err != nil {
		return Stored{}, err
	}
	h := sha256.New()
	n, err := fileutil.CopyAtomic(p, io.TeeReader(r, h))
	if err != nil {
		return Stored{}, err
	}
	return Stored{Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

// Open returns the object file; the caller closes it.
func (l *Local) Open(key string) (*os.File, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p) //nolint:gosec // path is derived from a cleaned key under root
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

func (l *Local) sign(g Grant, ttl time.Duration) (string, error) {
	key, err := cleanKey(g.Key)
	if err != nil {
		return "", err
	}
	now := l.now()
	claims := &objectClaims{
		Method:      g.Method,
		Key:         key,
		ContentType: g.ContentType,
		Filename:    g.Filename,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(l.secret)
	if err != nil {
		return "", fmt.Errorf("sign object token: %w", err)
	}

	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return l.publicURL + ObjectRoute + "/" + strings.Join(segments, "/") + "?token=" + url.QueryEscape(token), nil
}

func (l *Local) path(key string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.root, filepath.FromSlash(key)), nil
}
