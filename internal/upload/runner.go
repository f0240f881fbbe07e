package upload

import (
	"context"
	"fmt"
	"io"
	"math"
)

// Job is what a runner needs to drive one task through the protocol.
type Job struct {
	TaskID   string
	Info     FileInfo
	Metadata Metadata
	Source   Opener
}

// Result carries what a run learned from the server, even on failure.
type Result struct {
	FileID string
}

// ProgressFunc receives transfer progress as a rounded percent. It must not
// block the transfer.
type ProgressFunc func(percent int)

// TaskRunner executes one job to a terminal outcome. The controller depends
// on this interface so tests can substitute a scripted runner.
type TaskRunner interface {
	Run(ctx context.Context, job Job, progress ProgressFunc) (Result, error)
}

// Protocol is the three-step remote upload exchange.
type Protocol interface {
	RequestTarget(ctx context.Context, info FileInfo, meta Metadata) (UploadTarget, error)
	Transfer(ctx context.Context, target UploadTarget, body io.Reader, size int64, contentType string) error
	Confirm(ctx context.Context, fileID string) error
}

// Runner drives a job through Protocol.
type Runner struct {
	protocol Protocol
}

// NewRunner creates a runner that drives protocol through the three steps.
func NewRunner(protocol Protocol) *Runner {
	return &Runner{protocol: protocol}
}

// Run performs request target, transfer and confirm in order. Any failure is
// returned as a *StepError naming the step.
func (r *Runner) Run(ctx context.Context, job Job, progress ProgressFunc) (Result, error) {
	if job.Source == nil {
		return Result{}, &StepError{Step: StepTransfer, Err: ErrNoSource}
	}

	target, err := r.protocol.RequestTarget(ctx, job.Info, job.Metadata)
	if err != nil {
		return Result{}, &StepError{Step: StepRequestTarget, Err: err}
	}
	result := Result{FileID: target.FileID}

	content, err := job.Source.Open()
	if err != nil {
		return result, &StepError{Step: StepTransfer, Err: fmt.Errorf("open %s: %w", job.Info.Name, err)}
	}
	defer func() { _ = content.Close() }()

	body := newProgressReader(content, job.Info.Size, progress)
	if err := r.protocol.Transfer(ctx, target, body, job.Info.Size, job.Info.Type); err != nil {
		return result, &StepError{Step: StepTransfer, Err: err}
	}

	if err := r.protocol.Confirm(ctx, target.FileID); err != nil {
		return result, &StepError{Step: StepConfirm, Err: err}
	}
	return result, nil
}

// progressReader reports round(sent/total*100) whenever the rounded value
// changes.
type progressReader struct {
	r        io.Reader
	total    int64
	sent     int64
	last     int
	progress ProgressFunc
}

func newProgressReader(r io.Reader, total int64, progress ProgressFunc) *progressReader {
	return &progressReader{r: r, total: total, last: -1, progress: progress}
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.sent += int64(n)
		p.report()
	}
	return n, err
}

func (p *progressReader) report() {
	if p.progress == nil || p.total <= 0 {
		return
	}
	percent := int(math.Round(float64(p.sent) / float64(p.total) * 100))
	if percent > 100 {
		percent = 100
	}
	if percent != p.last {
		p.last = percent
		p.progress(percent)
	}
}
