package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"famshare/internal/config"
	fileutil "famshare/internal/file"
	"famshare/internal/upload"
)

const drainTimeout = 10 * time.Second

type uploadFlags struct {
	server      string
	token       string
	concurrency int
	title       string
	description string
	tags        []string
	retry       bool
	report      string
}

var uploadOpts uploadFlags

var uploadCmd = &cobra.Command{
	Use:   "upload <path>...",
	Short: "Upload files through the bounded upload queue",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runUpload,
}

func init() {
	f := uploadCmd.Flags()
	f.StringVar(&uploadOpts.server, "server", "", "control endpoint base URL (default from config)")
	f.StringVar(&uploadOpts.token, "token", "", "bearer token (default $"+config.TokenEnv+" or config)")
	f.IntVar(&uploadOpts.concurrency, "concurrency", 0, "maximum parallel uploads (default from config)")
	f.StringVar(&uploadOpts.title, "title", "", "title applied to every file")
	f.StringVar(&uploadOpts.description, "description", "", "description applied to every file")
	f.StringSliceVar(&uploadOpts.tags, "tag", nil, "tag applied to every file (repeatable)")
	f.BoolVar(&uploadOpts.retry, "retry", false, "retry failed uploads once after the first pass")
	f.StringVar(&uploadOpts.report, "report", "", "write final task states as JSON to this path")
}

// uploadReport is the document written by --report.
type uploadReport struct {
	Server    string             `json:"server"`
	Finished  time.Time          `json:"finished_at"`
	Tasks     []upload.Task      `json:"tasks"`
	Rejected  []upload.Rejection `json:"rejected"`
	Completed int                `json:"completed"`
	Failed    int                `json:"failed"`
}

func runUpload(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	server := firstNonEmpty(uploadOpts.server, cfg.Client.ServerURL)
	token := firstNonEmpty(uploadOpts.token, cfg.ClientToken())
	concurrency := uploadOpts.concurrency
	if concurrency <= 0 {
		concurrency = cfg.MaxConcurrentUploads
	}

	validator := upload.NewValidator(cfg.Limits())
	var rejected []upload.Rejection
	files := make([]upload.File, 0, len(args))
	for _, path := range args {
		f, err := upload.FromPathFor(path, validator)
		if err != nil {
			log.Warn().Str("path", path).Err(err).Msg("skipping unreadable file")
			rejected = append(rejected, upload.Rejection{Name: path, Reason: err.Error()})
			continue
		}
		f.Metadata = upload.Metadata{
			Title:       uploadOpts.title,
			Description: uploadOpts.description,
			Tags:        uploadOpts.tags,
		}
		files = append(files, f)
	}

	client := upload.NewClient(server, upload.StaticToken(token))
	ctrl := upload.NewController(upload.NewRunner(client), upload.Options{
		MaxConcurrent: concurrency,
		Validator:     validator,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctrl.SetBaseContext(ctx)

	stopObserving := ctrl.Observe(logEvent)
	defer stopObserving()

	res := ctrl.Submit(files)
	rejected = append(rejected, res.Rejected...)
	log.Info().Int("accepted", len(res.Accepted)).Int("rejected", len(rejected)).Int("concurrency", ctrl.MaxConcurrent()).Str("server", server).Msg("upload queue started")

	waitQueue(ctx, ctrl)
	if uploadOpts.retry && ctx.Err() == nil {
		if n := ctrl.RetryFailed(); n > 0 {
			log.Info().Int("tasks", n).Msg("retrying failed uploads")
			waitQueue(ctx, ctrl)
		}
	}

	tasks := ctrl.Tasks()
	report := summarize(server, tasks, rejected)
	if uploadOpts.report != "" {
		if err := fileutil.WriteJSONAtomic(uploadOpts.report, report); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		log.Info().Str("path", uploadOpts.report).Msg("report written")
	}

	if ctx.Err() != nil {
		return errors.New("upload interrupted")
	}
	if report.Failed > 0 || len(rejected) > 0 {
		return fmt.Errorf("%d of %d files were not uploaded", report.Failed+len(rejected), len(args))
	}
	return nil
}

// waitQueue blocks until the queue is idle. After an interrupt it gives
// in-flight tasks a bounded time to observe cancellation.
func waitQueue(ctx context.Context, ctrl *upload.Controller) {
	if ctrl.WaitIdle(ctx) {
		return
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if !ctrl.WaitIdle(drainCtx) {
		log.Warn().Msg("uploads did not stop before timeout")
	}
}

func summarize(server string, tasks []upload.Task, rejected []upload.Rejection) uploadReport {
	report := uploadReport{Server: server, Finished: time.Now().UTC(), Tasks: tasks, Rejected: rejected}
	if report.Rejected == nil {
		report.Rejected = []upload.Rejection{}
	}
	var bytes uint64
	for _, t := range tasks {
		switch t.Status {
		case upload.StatusCompleted:
			report.Completed++
			bytes += uint64(t.Size)
		case upload.StatusError:
			report.Failed++
		}
	}
	log.Info().
		Int("completed", report.Completed).
		Int("failed", report.Failed).
		Int("rejected", len(rejected)).
		Str("uploaded", humanize.IBytes(bytes)).
		Msg("upload summary")
	return report
}

func logEvent(evt upload.Event) {
	switch evt.Kind {
	case upload.EventProgress:
		log.Debug().Str("task_id", evt.Task.ID).Str("file", evt.Task.Name).Int("percent", evt.Percent).Msg("upload progress")
	case upload.EventStatusChanged:
		log.Debug().Str("task_id", evt.Task.ID).Str("file", evt.Task.Name).Str("status", string(evt.Task.Status)).Msg("task status")
	case upload.EventQueueChanged:
		log.Debug().Int("pending", evt.Pending).Int("active", evt.Active).Msg("queue changed")
	case upload.EventCompleted:
		log.Info().Str("file", evt.Task.Name).Str("file_id", evt.Task.FileID).Str("size", humanize.IBytes(uint64(evt.Task.Size))).Msg("uploaded")
	case upload.EventFailed:
		log.Warn().Str("file", evt.Task.Name).Str("reason", evt.Err).Msg("upload error")
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
