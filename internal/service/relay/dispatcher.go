package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/chatrelay/backend/internal/model/chat"
	"github.com/zhouzirui/chatrelay/backend/internal/service/ai"
)

var (
	ErrQueueFull         = errors.New("dispatch queue full")
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)

// Outcome is the terminal state of a dispatch.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	// OutcomeDropped means the dispatcher stopped before the reply could be
	// stored. Pending requests live only in memory, so nothing is appended.
	OutcomeDropped Outcome = "dropped"
)

// Appender commits a message to a session and fans it out. Broadcaster
// implements it.
type Appender interface {
	Append(ctx context.Context, sessionID string, role chat.Role, kind chat.Kind, content string) (chat.Message, error)
}

// Result describes how a dispatch ended.
type Result struct {
	Outcome Outcome
	// Message is the terminal assistant message (reply or failure sentinel).
	Message chat.Message
	// Err is the completion failure for OutcomeFailed, or the reason for OutcomeDropped.
	Err error
}

// Task is the handle returned by Dispatch. It resolves exactly once.
type Task struct {
	ID           string
	SessionID    string
	Content      string
	// Seq is the sequence number of the user message being answered, or 0.
	Seq          int64
	DispatchedAt time.Time

	once   sync.Once
	done   chan struct{}
	result Result
}

func newTask(sessionID, content string) *Task {
	return &Task{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		Content:      content,
		DispatchedAt: time.Now().UTC(),
		done:         make(chan struct{}),
	}
}

// Done is closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Result returns the outcome if the task has finished.
func (t *Task) Result() (Result, bool) {
	select {
	case <-t.done:
		return t.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (t *Task) finish(r Result) {
	t.once.Do(func() {
		t.result = r
		close(t.done)
	})
}

// DispatcherConfig sizes the worker pool.
type DispatcherConfig struct {
	Workers   int
	QueueSize int
	// Timeout bounds every call to the completion service.
	Timeout time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

// Dispatcher hands user messages to the completion service on a fixed pool
// of workers and commits every reply, or a failure sentinel, through the
// Appender. Failed calls are never retried.
type Dispatcher struct {
	completer ai.Completer
	sink      Appender
	cfg       DispatcherConfig
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan *Task
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool

	pending atomic.Int64
}

// NewDispatcher builds a dispatcher. Call Start before dispatching.
func NewDispatcher(completer ai.Completer, sink Appender, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		completer: completer,
		sink:      sink,
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		queue:     make(chan *Task, cfg.QueueSize),
	}
}

// Start launches the workers. Calling it more than once has no effect.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.logger.Info("dispatcher started",
		zap.Int("workers", d.cfg.Workers),
		zap.Int("queue", d.cfg.QueueSize),
		zap.Duration("timeout", d.cfg.Timeout),
	)
}

// Stop cancels in-flight completions and waits for the workers. Replies that
// have not been committed yet are dropped, as they would be on a crash.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.cancel()
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		for task := range d.queue {
			d.drop(task, ErrDispatcherStopped)
		}
	}
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Pending reports the number of dispatches that have not resolved yet.
func (d *Dispatcher) Pending() int {
	return int(d.pending.Load())
}

// Dispatch queues the message and returns immediately.
func (d *Dispatcher) Dispatch(sessionID, content string) *Task {
	return d.enqueue(newTask(sessionID, content))
}

// DispatchMessage queues a stored user message. The completer sees its
// sequence number through ai.TurnFromContext.
func (d *Dispatcher) DispatchMessage(msg chat.Message) *Task {
	task := newTask(msg.SessionID, msg.Content)
	task.Seq = msg.Seq
	return d.enqueue(task)
}

func (d *Dispatcher) enqueue(task *Task) *Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		task.finish(Result{Outcome: OutcomeDropped, Err: ErrDispatcherStopped})
		return task
	}

	d.pending.Add(1)
	select {
	case d.queue <- task:
	default:
		// Still resolve off the caller's path.
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.fail(task, ErrQueueFull)
		}()
	}
	return task
}

func (d *Dispatcher) worker(n int) {
	defer d.wg.Done()
	for task := range d.queue {
		if d.ctx.Err() != nil {
			d.drop(task, ErrDispatcherStopped)
			continue
		}
		d.process(task)
	}
	d.logger.Debug("dispatch worker exited", zap.Int("worker", n))
}

type completion struct {
	text string
	err  error
}

func (d *Dispatcher) process(task *Task) {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.Timeout)
	defer cancel()

	text, err := d.complete(ctx, task)

	if d.ctx.Err() != nil {
		d.drop(task, ErrDispatcherStopped)
		return
	}
	if err != nil {
		d.fail(task, err)
		return
	}

	msg, err := d.commit(task, chat.KindText, text)
	if errors.Is(err, ErrDispatcherStopped) {
		d.drop(task, err)
		return
	}
	if err != nil {
		d.logger.Error("store completion failed",
			zap.String("session", task.SessionID),
			zap.String("task", task.ID),
			zap.Error(err),
		)
		d.resolve(task, Result{Outcome: OutcomeFailed, Err: err})
		return
	}

	d.logger.Info("completion delivered",
		zap.String("session", task.SessionID),
		zap.String("task", task.ID),
		zap.Duration("latency", time.Since(task.DispatchedAt)),
	)
	d.resolve(task, Result{Outcome: OutcomeCompleted, Message: msg})
}

// complete calls the completer on its own goroutine so the timeout holds even
// when the completer ignores ctx.
func (d *Dispatcher) complete(ctx context.Context, task *Task) (string, error) {
	if task.Seq > 0 {
		ctx = ai.WithTurn(ctx, task.Seq)
	}
	ch := make(chan completion, 1)
	go func() {
		var c completion
		defer func() {
			if r := recover(); r != nil {
				c = completion{err: fmt.Errorf("completer panic: %v", r)}
			}
			ch <- c
		}()
		text, err := d.completer.Complete(ctx, task.SessionID, task.Content)
		c = completion{text: text, err: err}
	}()

	var c completion
	select {
	case c = <-ch:
	case <-ctx.Done():
		c = completion{err: ctx.Err()}
	}

	if c.err == nil && strings.TrimSpace(c.text) == "" {
		c.err = ai.ErrEmptyCompletion
	}
	if c.err != nil {
		return "", &ai.CompletionError{SessionID: task.SessionID, Err: c.err}
	}
	return c.text, nil
}

// fail commits the failure sentinel so the session stays consistent and the
// user sees that no reply is coming.
func (d *Dispatcher) fail(task *Task, cause error) {
	d.logger.Warn("completion failed",
		zap.String("session", task.SessionID),
		zap.String("task", task.ID),
		zap.Duration("elapsed", time.Since(task.DispatchedAt)),
		zap.Error(cause),
	)

	msg, err := d.commit(task, chat.KindError, chat.FailureContent)
	if errors.Is(err, ErrDispatcherStopped) {
		d.drop(task, err)
		return
	}
	if err != nil {
		d.logger.Error("store failure notice failed",
			zap.String("session", task.SessionID),
			zap.String("task", task.ID),
			zap.Error(err),
		)
		d.resolve(task, Result{Outcome: OutcomeFailed, Err: errors.Join(cause, err)})
		return
	}
	d.resolve(task, Result{Outcome: OutcomeFailed, Message: msg, Err: cause})
}

// commit appends the terminal message under the read lock. Stop takes the
// write lock before cancelling, so nothing is committed once it has begun.
func (d *Dispatcher) commit(task *Task, kind chat.Kind, content string) (chat.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return chat.Message{}, ErrDispatcherStopped
	}
	return d.sink.Append(d.ctx, task.SessionID, chat.RoleAssistant, kind, content)
}

func (d *Dispatcher) drop(task *Task, cause error) {
	d.logger.Warn("completion dropped",
		zap.String("session", task.SessionID),
		zap.String("task", task.ID),
		zap.Error(cause),
	)
	d.resolve(task, Result{Outcome: OutcomeDropped, Err: cause})
}

func (d *Dispatcher) resolve(task *Task, r Result) {
	d.pending.Add(-1)
	task.finish(r)
}
