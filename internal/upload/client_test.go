package upload

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// stubEndpoint mimics the control endpoint plus a byte target at /put.
type stubEndpoint struct {
	mu          sync.Mutex
	controlHits int32
	stored      []byte
	storedType  string
	completed   []string
	targetFail  func(w http.ResponseWriter)
	putStatus   int
}

func (s *stubEndpoint) handler(baseURL string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(ControlPath, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.controlHits, 1)
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "invalid or expired token"})
			return
		}
		var req ControlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch req.Operation {
		case OpGetUploadURL:
			if s.targetFail != nil {
				s.targetFail(w)
				return
			}
			_ = json.NewEncoder(w).Encode(UploadTarget{UploadURL: baseURL + "/put", FileID: "fid-" + req.FileInfo.Name, ExpiresIn: 3600})
		case OpCompleteUpload:
			s.mu.Lock()
			s.completed = append(s.completed, req.FileID)
			s.mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]string{})
		case OpGetDownloadURL:
			_ = json.NewEncoder(w).Encode(DownloadTarget{DownloadURL: baseURL + "/get/" + req.FileID})
		default:
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "invalid operation"})
		}
	})
	mux.HandleFunc("/put", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		data, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.stored = data
		s.storedType = r.Header.Get("Content-Type")
		s.mu.Unlock()
		if s.putStatus != 0 {
			w.WriteHeader(s.putStatus)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newStubServer(t *testing.T, stub *stubEndpoint) *httptest.Server {
	t.Helper()
	srv := httptest.NewUnstartedServer(nil)
	baseURL := "http://" + srv.Listener.Addr().String()
	srv.Config.Handler = stub.handler(baseURL)
	srv.Start()
	t.Cleanup(srv.Close)
	return srv
}

func TestClientFullProtocolThroughController(t *testing.T) {
	stub := &stubEndpoint{}
	srv := newStubServer(t, stub)

	client := NewClient(srv.URL, StaticToken("secret"))
	c := NewController(NewRunner(client), Options{})

	res := c.Submit([]File{FromBytes("photo.jpg", "image/jpeg", make([]byte, 1024))})
	waitIdle(t, c)

	got, _ := c.Task(res.Accepted[0].ID)
	if got.Status != StatusCompleted || got.Progress != 100 {
		t.Fatalf("expected completed task, got %+v", got)
	}
	if got.FileID != "fid-photo.jpg" {
		t.Fatalf("unexpected file id %q", got.FileID)
	}
	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.stored) != 1024 || stub.storedType != "image/jpeg" {
		t.Fatalf("target received %d bytes of %q", len(stub.stored), stub.storedType)
	}
	if len(stub.completed) != 1 || stub.completed[0] != "fid-photo.jpg" {
		t.Fatalf("expected completion for fid-photo.jpg, got %v", stub.completed)
	}
}

func TestClientTargetErrorUsesServerMessage(t *testing.T) {
	stub := &stubEndpoint{targetFail: func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "quota exceeded"})
	}}
	srv := newStubServer(t, stub)

	c := NewController(NewRunner(NewClient(srv.URL, StaticToken("secret"))), Options{})
	res := c.Submit([]File{jpeg("a.jpg", 10)})
	waitIdle(t, c)

	got, _ := c.Task(res.Accepted[0].ID)
	if got.Status != StatusError || got.Error != "quota exceeded" {
		t.Fatalf("expected error 'quota exceeded', got %+v", got)
	}
}

func TestClientTargetErrorFallbackMessage(t *testing.T) {
	stub := &stubEndpoint{targetFail: func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("<html>oops</html>"))
	}}
	srv := newStubServer(t, stub)

	_, err := NewClient(srv.URL, StaticToken("secret")).RequestTarget(context.Background(), FileInfo{Name: "a.jpg"}, Metadata{})
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.StatusCode != http.StatusInternalServerError || remote.Message != fallbackTargetMessage {
		t.Fatalf("expected fallback RemoteError, got %v", err)
	}
}

func TestClientControlNetworkErrorUsesStepReason(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()
	client := NewClient(url, StaticToken("secret"))

	cases := []struct {
		step string
		call func() error
		want string
	}{
		{"target", func() error {
			_, err := client.RequestTarget(context.Background(), FileInfo{Name: "a.jpg"}, Metadata{})
			return err
		}, fallbackTargetMessage},
		{"confirm", func() error { return client.Confirm(context.Background(), "fid") }, fallbackConfirmMessage},
	}
	for _, c := range cases {
		err := c.call()
		var remote *RemoteError
		if !errors.As(err, &remote) || remote.StatusCode != 0 || remote.Err == nil {
			t.Fatalf("%s: expected transport RemoteError, got %#v", c.step, err)
		}
		if err.Error() != c.want || strings.Contains(err.Error(), url) {
			t.Fatalf("%s: expected %q without the endpoint URL, got %q", c.step, c.want, err.Error())
		}
	}
}

func TestClientControlAbortWhileTargetInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		once.Do(func() { close(started) })
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewController(NewRunner(NewClient(srv.URL, StaticToken("secret"))), Options{})
	res := c.Submit([]File{jpeg("a.jpg", 10)})
	id := res.Accepted[0].ID

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("control request never arrived")
	}
	if !c.Abort(id) {
		t.Fatal("expected abort of uploading task")
	}
	waitIdle(t, c)

	got, _ := c.Task(id)
	if got.Status != StatusError || got.Error != ErrTransferAborted.Error() {
		t.Fatalf("expected %q, got %+v", ErrTransferAborted.Error(), got)
	}
}

func TestClientMalformedTargetResponse(t *testing.T) {
	stub := &stubEndpoint{targetFail: func(w http.ResponseWriter) {
		_, _ = w.Write([]byte(`{"upload_url": ""}`))
	}}
	srv := newStubServer(t, stub)

	_, err := NewClient(srv.URL, StaticToken("secret")).RequestTarget(context.Background(), FileInfo{Name: "a.jpg"}, Metadata{})
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestClientMissingTokenNeverCallsServer(t *testing.T) {
	stub := &stubEndpoint{}
	srv := newStubServer(t, stub)

	c := NewController(NewRunner(NewClient(srv.URL, StaticToken(""))), Options{})
	res := c.Submit([]File{jpeg("a.jpg", 10)})
	waitIdle(t, c)

	got, _ := c.Task(res.Accepted[0].ID)
	if got.Status != StatusError || got.Error != ErrAuthRequired.Error() {
		t.Fatalf("expected auth error, got %+v", got)
	}
	if hits := atomic.LoadInt32(&stub.controlHits); hits != 0 {
		t.Fatalf("expected no control calls without a token, got %d", hits)
	}
}

func TestClientTransferStatusError(t *testing.T) {
	stub := &stubEndpoint{putStatus: http.StatusForbidden}
	srv := newStubServer(t, stub)

	client := NewClient(srv.URL, StaticToken("secret"))
	err := client.Transfer(context.Background(), UploadTarget{UploadURL: srv.URL + "/put"}, strings.NewReader("abc"), 3, "text/plain")
	var statusErr *TransferStatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 TransferStatusError, got %v", err)
	}
}

func TestClientTransferNetworkError(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()

	err := NewClient(url, StaticToken("secret")).Transfer(context.Background(), UploadTarget{UploadURL: url + "/put"}, strings.NewReader("abc"), 3, "text/plain")
	if !errors.Is(err, ErrTransferNetwork) {
		t.Fatalf("expected ErrTransferNetwork, got %v", err)
	}
}

func TestClientTransferAbort(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		once.Do(func() { close(started) })
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	err := NewClient(srv.URL, StaticToken("secret")).Transfer(ctx, UploadTarget{UploadURL: srv.URL}, strings.NewReader("abc"), 3, "text/plain")
	if !errors.Is(err, ErrTransferAborted) {
		t.Fatalf("expected ErrTransferAborted, got %v", err)
	}
}

func TestTransferErrorsAreDistinct(t *testing.T) {
	msgs := map[string]struct{}{
		(&TransferStatusError{StatusCode: 500}).Error(): {},
		ErrTransferNetwork.Error():                      {},
		ErrTransferAborted.Error():                      {},
	}
	if len(msgs) != 3 {
		t.Fatalf("transfer failure reasons must be distinct: %v", msgs)
	}
}

func TestClientDownloadURL(t *testing.T) {
	stub := &stubEndpoint{}
	srv := newStubServer(t, stub)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	target, err := NewClient(srv.URL, StaticToken("secret")).DownloadURL(ctx, "fid-1")
	if err != nil {
		t.Fatalf("download url: %v", err)
	}
	if target.DownloadURL != srv.URL+"/get/fid-1" {
		t.Fatalf("unexpected download url %q", target.DownloadURL)
	}
}

func TestClientUnauthorizedSurfacesServerMessage(t *testing.T) {
	stub := &stubEndpoint{}
	srv := newStubServer(t, stub)

	err := NewClient(srv.URL, StaticToken("wrong")).Confirm(context.Background(), "fid-1")
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.StatusCode != http.StatusUnauthorized || remote.Message != "invalid or expired token" {
		t.Fatalf("expected 401 RemoteError, got %v", err)
	}
}
