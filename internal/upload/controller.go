package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Options configures a Controller. Zero values take the package defaults.
type Options struct {
	MaxConcurrent int
	Validator     *Validator
}

// Controller owns the upload queue and bounds how many tasks run at once.
// The queue, the active count and every task are guarded by mu; runners only
// touch them through reportProgress and finish.
type Controller struct {
	mu            sync.Mutex
	runner        TaskRunner
	validator     *Validator
	maxConcurrent int
	active        int
	tasks         []*entry
	index         map[string]*entry
	queue         []*entry
	baseCtx       context.Context
	idle          chan struct{} // closed while active == 0
	bus           *eventBus
}

type entry struct {
	task   Task
	source Opener
	cancel context.CancelFunc
}

// NewController creates an idle controller that runs tasks with runner.
func NewController(runner TaskRunner, opts Options) *Controller {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Validator == nil {
		opts.Validator = DefaultValidator()
	}
	return &Controller{
		runner:        runner,
		validator:     opts.Validator,
		maxConcurrent: opts.MaxConcurrent,
		index:         make(map[string]*entry),
		baseCtx:       context.Background(),
		idle:          closedChan(),
		bus:           newEventBus(),
	}
}

// SetBaseContext sets the parent context of every future run. Cancelling it
// aborts in-flight transfers.
func (c *Controller) SetBaseContext(ctx context.Context) {
	c.mu.Lock()
	c.baseCtx = ctx
	c.mu.Unlock()
}

// Subscribe registers an event subscriber. Close it when done.
func (c *Controller) Subscribe() *Subscription { return c.bus.subscribe() }

// Observe calls fn for every event on its own goroutine until stop is called.
func (c *Controller) Observe(fn func(Event)) (stop func()) {
	sub := c.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range sub.Events() {
			fn(evt)
		}
	}()
	return func() {
		sub.Close()
		<-done
	}
}

// Submit validates every file, enqueues the accepted ones as pending tasks and
// starts as many as capacity allows. Rejected files are reported, never queued.
func (c *Controller) Submit(files []File) SubmitResult {
	var result SubmitResult

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, f := range files {
		if err := c.validator.Validate(f.Info()); err != nil {
			rejection := Rejection{Name: f.Name, Reason: err.Error()}
			result.Rejected = append(result.Rejected, rejection)
			log.Warn().Str("file", f.Name).Str("reason", rejection.Reason).Msg("file rejected")
			c.bus.publish(Event{Kind: EventRejected, Rejection: rejection})
			continue
		}

		e := &entry{
			task: Task{
				ID:        newTaskID(),
				Name:      f.Name,
				Size:      f.Size,
				Type:      NormalizeType(f.Type),
				Status:    StatusPending,
				Metadata:  f.Metadata.clone(),
				CreatedAt: time.Now(),
			},
			source: f.Source,
		}
		c.tasks = append(c.tasks, e)
		c.index[e.task.ID] = e
		c.queue = append(c.queue, e)
		result.Accepted = append(result.Accepted, e.task.clone())
		c.publishTaskLocked(EventStatusChanged, e)
	}

	if len(result.Accepted) > 0 {
		c.publishQueueLocked()
	}
	c.drainLocked()
	return result
}

// RetryFailed returns every errored task to the back of the queue in
// submission order and reports how many were requeued.
func (c *Controller) RetryFailed() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	retried := 0
	for _, e := range c.tasks {
		if e.task.Status == StatusError {
			c.requeueLocked(e)
			retried++
		}
	}
	if retried > 0 {
		c.publishQueueLocked()
		c.drainLocked()
	}
	return retried
}

// Retry requeues a single errored task.
func (c *Controller) Retry(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.index[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if e.task.Status != StatusError {
		return ErrNotRetryable
	}
	c.requeueLocked(e)
	c.publishQueueLocked()
	c.drainLocked()
	return nil
}

// ClearCompleted drops completed tasks; all others keep their relative order.
func (c *Controller) ClearCompleted() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.tasks[:0]
	removed := 0
	for _, e := range c.tasks {
		if e.task.Status == StatusCompleted {
			delete(c.index, e.task.ID)
			c.publishTaskLocked(EventRemoved, e)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(c.tasks); i++ {
		c.tasks[i] = nil
	}
	c.tasks = kept
	if removed > 0 {
		c.publishQueueLocked()
	}
	return removed
}

// Abort cancels the in-flight transfer of an uploading task. Other tasks are
// unaffected; the aborted task ends in error through the normal path.
func (c *Controller) Abort(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.index[taskID]
	if !ok || e.task.Status != StatusUploading || e.cancel == nil {
		return false
	}
	e.cancel()
	return true
}

// UpdateMetadata replaces the metadata sent with the next attempt of a task.
func (c *Controller) UpdateMetadata(taskID string, meta Metadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.index[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	e.task.Metadata = meta.clone()
	c.publishTaskLocked(EventMetadataChanged, e)
	return nil
}

// Tasks returns copies of all tasks in submission order.
func (c *Controller) Tasks() []Task {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Task, 0, len(c.tasks))
	for _, e := range c.tasks {
		out = append(out, e.task.clone())
	}
	return out
}

// Task returns a copy of one task.
func (c *Controller) Task(taskID string) (Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.index[taskID]
	if !ok {
		return Task{}, false
	}
	return e.task.clone(), true
}

// ActiveCount reports how many tasks are uploading.
func (c *Controller) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// PendingCount reports how many tasks wait for a slot.
func (c *Controller) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// MaxConcurrent reports the configured bound.
func (c *Controller) MaxConcurrent() int { return c.maxConcurrent }

// WaitIdle blocks until no task is running or queued, or ctx is done.
// Returns true if the controller went idle.
func (c *Controller) WaitIdle(ctx context.Context) bool {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()

	select {
	case <-idle:
		return true
	default:
	}
	select {
	case <-idle:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Controller) requeueLocked(e *entry) {
	e.task.Status = StatusPending
	e.task.Progress = 0
	e.task.Error = ""
	e.task.FileID = ""
	c.queue = append(c.queue, e)
	c.publishTaskLocked(EventStatusChanged, e)
}

// drainLocked starts queued tasks while capacity remains. It is the single
// re-entry point after every terminal transition and is a no-op when there
// is no capacity or no queued work.
func (c *Controller) drainLocked() {
	for len(c.queue) > 0 && c.active < c.maxConcurrent {
		e := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]

		if c.active == 0 {
			c.idle = make(chan struct{})
		}
		c.active++
		e.task.Status = StatusUploading
		ctx, cancel := context.WithCancel(c.baseCtx)
		e.cancel = cancel

		job := Job{
			TaskID:   e.task.ID,
			Info:     FileInfo{Name: e.task.Name, Size: e.task.Size, Type: e.task.Type},
			Metadata: e.task.Metadata.clone(),
			Source:   e.source,
		}
		c.publishTaskLocked(EventStatusChanged, e)
		c.publishQueueLocked()

		log.Debug().Str("task_id", e.task.ID).Str("file", e.task.Name).Int("active", c.active).Msg("upload started")

		go c.execute(ctx, e, job)
	}
}

func (c *Controller) execute(ctx context.Context, e *entry, job Job) {
	result, err := c.runGuarded(ctx, job, func(percent int) { c.reportProgress(e, percent) })
	c.finish(e, result, err)
}

func (c *Controller) runGuarded(ctx context.Context, job Job, progress ProgressFunc) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("upload runner panic: %v", r)
		}
	}()
	return c.runner.Run(ctx, job, progress)
}

func (c *Controller) reportProgress(e *entry, percent int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.task.Status != StatusUploading {
		return
	}
	// 100 is reserved for completed
	if percent > 99 {
		percent = 99
	}
	if percent <= e.task.Progress {
		return
	}
	e.task.Progress = percent
	c.bus.publish(Event{Kind: EventProgress, Task: e.task.clone(), Percent: percent})
}

// finish records the terminal outcome, releases the slot exactly once and
// refills from the queue.
func (c *Controller) finish(e *entry, result Result, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	c.active--
	if result.FileID != "" {
		e.task.FileID = result.FileID
	}

	if err == nil {
		e.task.Status = StatusCompleted
		e.task.Progress = 100
		e.task.Error = ""
		log.Info().Str("task_id", e.task.ID).Str("file_id", e.task.FileID).Str("file", e.task.Name).Msg("upload completed")
		c.publishTaskLocked(EventCompleted, e)
	} else {
		e.task.Status = StatusError
		e.task.Error = err.Error()
		evt := log.Warn().Str("task_id", e.task.ID).Str("file", e.task.Name).Err(err)
		var stepErr *StepError
		if errors.As(err, &stepErr) {
			evt = evt.Str("step", string(stepErr.Step))
		}
		evt.Msg("upload failed")
		c.bus.publish(Event{Kind: EventFailed, Task: e.task.clone(), Err: e.task.Error})
	}

	c.publishQueueLocked()
	c.drainLocked()
	// drain leaves work queued only when every slot is taken
	if c.active == 0 {
		close(c.idle)
	}
}

func (c *Controller) publishTaskLocked(kind EventKind, e *entry) {
	c.bus.publish(Event{Kind: kind, Task: e.task.clone(), Percent: e.task.Progress})
}

func (c *Controller) publishQueueLocked() {
	c.bus.publish(Event{Kind: EventQueueChanged, Pending: len(c.queue), Active: c.active})
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func newTaskID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
