package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultControlTimeout = 30 * time.Second
	maxControlBody        = 1 << 20

	fallbackTargetMessage   = "failed to get upload URL"
	fallbackConfirmMessage  = "failed to complete upload"
	fallbackDownloadMessage = "failed to get download URL"
)

// TokenSource supplies the bearer token for control endpoint calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Client speaks the upload protocol over HTTP. Control calls go to
// baseURL+ControlPath; transfers go straight to the issued upload target.
type Client struct {
	baseURL        string
	tokens         TokenSource
	controlHTTP    *http.Client
	transferHTTP   *http.Client
	controlTimeout time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the client used for both control and transfer calls.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.controlHTTP = httpClient
		c.transferHTTP = httpClient
	}
}

// WithControlTimeout bounds each control call. Zero disables the bound.
func WithControlTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.controlTimeout = timeout }
}

// NewClient creates a client for the control endpoint at baseURL.
func NewClient(baseURL string, tokens TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		tokens:         tokens,
		controlHTTP:    http.DefaultClient,
		transferHTTP:   http.DefaultClient,
		controlTimeout: defaultControlTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestTarget asks the control endpoint for an upload target.
func (c *Client) RequestTarget(ctx context.Context, info FileInfo, meta Metadata) (UploadTarget, error) {
	var target UploadTarget
	req := ControlRequest{Operation: OpGetUploadURL, FileInfo: &info, Metadata: &meta}
	if err := c.control(ctx, req, &target, fallbackTargetMessage); err != nil {
		return UploadTarget{}, err
	}
	if target.UploadURL == "" || target.FileID == "" {
		return UploadTarget{}, ErrMalformedResponse
	}
	return target, nil
}

// Transfer PUTs the raw bytes to the upload target. A cancelled context maps
// to ErrTransferAborted, a transport failure to ErrTransferNetwork and a
// non-2xx answer to *TransferStatusError.
func (c *Client) Transfer(ctx context.Context, target UploadTarget, body io.Reader, size int64, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.UploadURL, body)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.ContentLength = size
	if size == 0 {
		req.Body = http.NoBody
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.transferHTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return ErrTransferAborted
		}
		return fmt.Errorf("%w: %v", ErrTransferNetwork, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxControlBody))
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &TransferStatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// Confirm marks the uploaded file as complete.
func (c *Client) Confirm(ctx context.Context, fileID string) error {
	req := ControlRequest{Operation: OpCompleteUpload, FileID: fileID}
	return c.control(ctx, req, nil, fallbackConfirmMessage)
}

// DownloadURL resolves a time-limited download URL for a stored file.
func (c *Client) DownloadURL(ctx context.Context, fileID string) (DownloadTarget, error) {
	var target DownloadTarget
	req := ControlRequest{Operation: OpGetDownloadURL, FileID: fileID}
	if err := c.control(ctx, req, &target, fallbackDownloadMessage); err != nil {
		return DownloadTarget{}, err
	}
	if target.DownloadURL == "" {
		return DownloadTarget{}, ErrMalformedResponse
	}
	return target, nil
}

func (c *Client) control(ctx context.Context, payload ControlRequest, out any, fallback string) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", payload.Operation, err)
	}

	callCtx := ctx
	if c.controlTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.controlTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+ControlPath, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build %s request: %w", payload.Operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.controlHTTP.Do(req)
	if err != nil {
		return controlFailure(ctx, err, fallback)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxControlBody))
	if err != nil {
		return controlFailure(ctx, err, fallback)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if json.Unmarshal(raw, &errResp) == nil && errResp.Error != "" {
			return &RemoteError{StatusCode: resp.StatusCode, Message: errResp.Error}
		}
		return &RemoteError{StatusCode: resp.StatusCode, Message: fallback}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return ErrMalformedResponse
	}
	return nil
}

// controlFailure maps a control call that got no usable answer. Cancellation
// of the caller's context is an abort; anything else, including the call's own
// timeout, surfaces as the step's generic reason with the cause wrapped.
func controlFailure(ctx context.Context, err error, fallback string) error {
	if ctx.Err() != nil {
		return ErrTransferAborted
	}
	return &RemoteError{Message: fallback, Err: err}
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", ErrAuthRequired
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}
	if strings.TrimSpace(token) == "" {
		return "", ErrAuthRequired
	}
	return token, nil
}
