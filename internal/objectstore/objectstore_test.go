package objectstore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"famshare/internal/config"
)

func TestObjectKeySanitizes(t *testing.T) {
	cases := []struct {
		user, file, name string
		want             string
	}{
		{"u1", "f1", "beach.jpg", "uploads/u1/f1/beach.jpg"},
		{"u1", "f1", "../../etc/passwd", "uploads/u1/f1/passwd"},
		{"u1", "f1", "my photo (1).jpg", "uploads/u1/f1/my_photo__1_.jpg"},
		{"u1", "f1", "..", "uploads/u1/f1/file"},
		{"u1", "f1", `C:\dir\doc.pdf`, "uploads/u1/f1/doc.pdf"},
	}
	for _, c := range cases {
		if got := ObjectKey(c.user, c.file, c.name); got != c.want {
			t.Fatalf("ObjectKey(%q)=%q want %q", c.name, got, c.want)
		}
	}
}

func newLocal(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal(t.TempDir(), "http://share.test/", "secret")
	if err != nil {
		t.Fatalf("new local: %v", err)
	}
	return l
}

func tokenFrom(t *testing.T, raw string) (string, string) {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return strings.TrimPrefix(u.Path, ObjectRoute+"/"), u.Query().Get("token")
}

func TestLocalPresignAndVerify(t *testing.T) {
	l := newLocal(t)
	key := ObjectKey("u1", "f1", "beach.jpg")

	raw, err := l.PresignPut(context.Background(), key, "image/jpeg", time.Minute)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if !strings.HasPrefix(raw, "http://share.test/objects/uploads/u1/f1/beach.jpg?token=") {
		t.Fatalf("unexpected url %q", raw)
	}
	path, token := tokenFrom(t, raw)

	grant, err := l.Verify(token, http.MethodPut, path)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if grant.ContentType != "image/jpeg" || grant.Key != key {
		t.Fatalf("unexpected grant %+v", grant)
	}

	if _, err := l.Verify(token, http.MethodGet, path); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("put token must not allow get, got %v", err)
	}
	if _, err := l.Verify(token, http.MethodPut, "uploads/u1/f2/beach.jpg"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("token must be bound to its key, got %v", err)
	}
	if _, err := l.Verify(token, http.MethodPut, "uploads/../secret"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestLocalTokenExpires(t *testing.T) {
	l := newLocal(t)
	l.now = func() time.Time { return time.Now().Add(-time.Hour) }
	raw, err := l.PresignGet(context.Background(), "uploads/u1/f1/a.txt", "a.txt", time.Minute)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	l.now = time.Now
	path, token := tokenFrom(t, raw)
	if _, err := l.Verify(token, http.MethodGet, path); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}
}

func TestLocalWriteAndOpen(t *testing.T) {
	l := newLocal(t)
	key := "uploads/u1/f1/a.txt"

	stored, err := l.Write(key, strings.NewReader("hello"))
	if err != nil || stored.Size != 5 {
		t.Fatalf("write: %+v err=%v", stored, err)
	}
	if stored.SHA256 != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Fatalf("unexpected digest %q", stored.SHA256)
	}
	f, err := l.Open(key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	data, _ := io.ReadAll(f)
	if string(data) != "hello" {
		t.Fatalf("unexpected content %q", data)
	}

	if _, err := l.Open("uploads/u1/f1/missing.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := l.Write("../escape", strings.NewReader("x")); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if err := l.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestS3PresignOffline(t *testing.T) {
	isolateAWSEnv(t)
	s, err := NewS3(context.Background(), config.Storage{
		Bucket:       "family",
		Region:       "us-east-1",
		Endpoint:     "http://localhost:9000",
		AccessKey:    "key",
		SecretKey:    "secret",
		UsePathStyle: true,
	})
	if err != nil {
		t.Fatalf("new s3: %v", err)
	}
	put, err := s.PresignPut(context.Background(), "uploads/u1/f1/a.jpg", "image/jpeg", time.Hour)
	if err != nil {
		t.Fatalf("presign put: %v", err)
	}
	if !strings.HasPrefix(put, "http://localhost:9000/family/uploads/u1/f1/a.jpg?") || !strings.Contains(put, "X-Amz-Signature=") {
		t.Fatalf("unexpected put url %q", put)
	}
	get, err := s.PresignGet(context.Background(), "uploads/u1/f1/a.jpg", "a.jpg", time.Hour)
	if err != nil {
		t.Fatalf("presign get: %v", err)
	}
	if !strings.Contains(get, "response-content-disposition=") {
		t.Fatalf("get url should carry a content disposition: %q", get)
	}
}

// isolateAWSEnv keeps the default credential chain away from the host's
// shared files and instance metadata.
func isolateAWSEnv(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(dir, "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(dir, "credentials"))
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	t.Setenv("AWS_PROFILE", "")
	t.Setenv("AWS_SESSION_TOKEN", "")
	t.Setenv("AWS_ACCESS_KEY_ID", "")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "")
}

func TestS3PresignUsesDefaultCredentialChain(t *testing.T) {
	isolateAWSEnv(t)
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIDFROMENV")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "env-secret")

	s, err := NewS3(context.Background(), config.Storage{
		Bucket:       "family",
		Region:       "eu-west-1",
		Endpoint:     "http://localhost:9000",
		UsePathStyle: true,
	})
	if err != nil {
		t.Fatalf("new s3: %v", err)
	}
	put, err := s.PresignPut(context.Background(), "uploads/u1/f1/a.jpg", "image/jpeg", time.Hour)
	if err != nil {
		t.Fatalf("presign put: %v", err)
	}
	u, err := url.Parse(put)
	if err != nil {
		t.Fatalf("parse %q: %v", put, err)
	}
	q := u.Query()
	if q.Get("X-Amz-Signature") == "" || !strings.HasPrefix(q.Get("X-Amz-Credential"), "AKIDFROMENV/") {
		t.Fatalf("expected url signed with env credentials, got %q", put)
	}
}

func TestMinioPresignOffline(t *testing.T) {
	m, err := NewMinio(config.Storage{
		Bucket:    "family",
		Region:    "us-east-1",
		Endpoint:  "http://localhost:9000",
		AccessKey: "key",
		SecretKey: "secret",
	})
	if err != nil {
		t.Fatalf("new minio: %v", err)
	}
	put, err := m.PresignPut(context.Background(), "uploads/u1/f1/a.jpg", "image/jpeg", time.Hour)
	if err != nil {
		t.Fatalf("presign put: %v", err)
	}
	if !strings.Contains(put, "/family/uploads/u1/f1/a.jpg") || !strings.Contains(put, "X-Amz-Signature=") {
		t.Fatalf("unexpected put url %q", put)
	}
}

func TestNewSelectsLocal(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	b, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if b.Name() != "local" {
		t.Fatalf("expected local backend, got %s", b.Name())
	}
}
