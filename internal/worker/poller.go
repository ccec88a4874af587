package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"circadgo/internal/logger"
	"circadgo/internal/models"
)

const DefaultInterval = 5 * time.Second

var (
	ErrCancelled     = errors.New("poll cancelled")
	ErrTimeout       = errors.New("poll timed out")
	ErrExhausted     = errors.New("poll attempts exhausted")
	ErrMissingResult = errors.New("task succeeded without a result")
	ErrInvalidResult = errors.New("task returned an invalid result")
)

// FailureError is an explicit Failure state reported by the backend.
type FailureError struct {
	TaskID string
	Reason string
}

func (e *FailureError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("analysis task %s failed", e.TaskID)
	}
	return fmt.Sprintf("analysis task %s failed: %s", e.TaskID, e.Reason)
}

// StatusFetcher queries one task's state.
type StatusFetcher interface {
	TaskStatus(ctx context.Context, taskID string) (models.TaskStatus, error)
}

// ResultResolver loads a stored analysis when a task result only names it.
type ResultResolver interface {
	ResultByID(ctx context.Context, id int64) (models.AnalysisResult, error)
}

// ResultSink receives the terminal result.
type ResultSink interface {
	Set(ctx context.Context, result models.AnalysisResult) error
}

type Options struct {
	// Interval between status checks. Defaults to DefaultInterval.
	Interval time.Duration
	// MaxAttempts bounds the number of status checks; 0 is unbounded.
	MaxAttempts int
	// Timeout bounds the whole poll; 0 is unbounded.
	Timeout time.Duration
	// Fatal marks check errors that must end the poll instead of being
	// retried, such as an expired session.
	Fatal func(error) bool
}

// Update reports a state change or a swallowed check error.
type Update struct {
	TaskID  string
	Attempt int
	State   models.TaskState
	Err     error
}

// Outcome is the terminal report of a poll. Err is nil only on success.
type Outcome struct {
	TaskID   string
	State    models.TaskState
	Result   *models.AnalysisResult
	Attempts int
	Err      error
}

// Handle controls one in-flight poll.
type Handle struct {
	taskID string
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	cancelled bool
	outcome   Outcome
}

func (h *Handle) TaskID() string { return h.taskID }

// Cancel stops the poll. It never blocks on the poll goroutine, and calling
// it again or after completion does nothing. Once Cancel returns the poll
// performs no store writes.
func (h *Handle) Cancel() {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()
	h.cancel()
}

// Done is closed when the poll has reached its outcome.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Outcome returns the terminal outcome, or false while still polling.
func (h *Handle) Outcome() (Outcome, bool) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.outcome, true
	default:
		return Outcome{}, false
	}
}

// Wait blocks until the poll finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		out, _ := h.Outcome()
		return out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (h *Handle) isCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// Poller follows asynchronous analysis tasks to a terminal state.
type Poller struct {
	fetcher StatusFetcher
	sink    ResultSink
	opts    Options
	log     *zap.Logger
}

func NewPoller(fetcher StatusFetcher, sink ResultSink, opts Options, log *zap.Logger) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Poller{fetcher: fetcher, sink: sink, opts: opts, log: logger.OrNop(log).Named("poller")}
}

// Poll starts checking taskID every interval. ctx bounds the poll's
// lifetime; onUpdate may be nil and is called from the poll goroutine.
func (p *Poller) Poll(ctx context.Context, taskID string, onUpdate func(Update)) *Handle {
	var cancel context.CancelFunc
	if p.opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	h := &Handle{taskID: taskID, cancel: cancel, done: make(chan struct{})}
	go p.run(ctx, h, onUpdate)
	return h
}

func (p *Poller) run(ctx context.Context, h *Handle, onUpdate func(Update)) {
	defer close(h.done)
	defer h.cancel()

	log := p.log.With(zap.String("task_id", h.taskID))
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	finish := func(out Outcome) {
		out.TaskID = h.taskID
		h.mu.Lock()
		h.outcome = out
		h.mu.Unlock()
		if out.Err != nil {
			log.Info("poll finished", zap.Int("attempts", out.Attempts), zap.Error(out.Err))
		} else {
			log.Info("poll finished", zap.Int("attempts", out.Attempts))
		}
	}
	notify := func(u Update) {
		u.TaskID = h.taskID
		if onUpdate != nil {
			onUpdate(u)
		}
	}

	var last models.TaskState
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			finish(Outcome{State: last, Attempts: attempt - 1, Err: p.stopReason(ctx, h)})
			return
		case <-ticker.C:
		}

		st, err := p.fetcher.TaskStatus(ctx, h.taskID)
		if ctx.Err() != nil {
			finish(Outcome{State: last, Attempts: attempt, Err: p.stopReason(ctx, h)})
			return
		}
		switch {
		case err != nil:
			if p.opts.Fatal != nil && p.opts.Fatal(err) {
				finish(Outcome{State: last, Attempts: attempt, Err: err})
				return
			}
			debugLog(log, "status check failed, will retry", zap.Int("attempt", attempt), zap.Error(err))
			notify(Update{Attempt: attempt, State: last, Err: err})

		case st.State == models.TaskSuccess:
			out, done := p.complete(ctx, h, st, log)
			if done {
				out.Attempts = attempt
				finish(out)
				return
			}
			notify(Update{Attempt: attempt, State: st.State, Err: out.Err})

		case st.State == models.TaskFailure:
			finish(Outcome{State: st.State, Attempts: attempt, Err: &FailureError{TaskID: h.taskID, Reason: st.Reason}})
			return

		default:
			debugLog(log, "task not finished", zap.Int("attempt", attempt), zap.String("state", string(st.State)))
			if st.State != last {
				last = st.State
				notify(Update{Attempt: attempt, State: st.State})
			}
		}

		if p.opts.MaxAttempts > 0 && attempt >= p.opts.MaxAttempts {
			finish(Outcome{State: last, Attempts: attempt, Err: ErrExhausted})
			return
		}
	}
}

// complete turns a Success status into a stored result. done is false when
// the result could not be loaded yet and the next check should try again.
func (p *Poller) complete(ctx context.Context, h *Handle, st models.TaskStatus, log *zap.Logger) (Outcome, bool) {
	result := st.Result
	if result == nil && st.AnalysisID != 0 {
		resolver, ok := p.fetcher.(ResultResolver)
		if !ok {
			return Outcome{State: st.State, Err: ErrMissingResult}, true
		}
		r, err := resolver.ResultByID(ctx, st.AnalysisID)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{State: st.State, Err: p.stopReason(ctx, h)}, true
			}
			debugLog(log, "load finished analysis failed, will retry", zap.Int64("analysis_id", st.AnalysisID), zap.Error(err))
			return Outcome{Err: err}, false
		}
		result = &r
	}
	if result == nil {
		return Outcome{State: st.State, Err: ErrMissingResult}, true
	}
	res := *result
	res.Normalize()
	if err := res.Validate(); err != nil {
		return Outcome{State: models.TaskFailure, Err: fmt.Errorf("%w: %w", ErrInvalidResult, err)}, true
	}

	// Holding h.mu orders the write against Cancel.
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return Outcome{State: st.State, Err: ErrCancelled}, true
	}
	if p.sink != nil {
		if err := p.sink.Set(context.WithoutCancel(ctx), res); err != nil {
			return Outcome{State: st.State, Err: err}, true
		}
	}
	return Outcome{State: st.State, Result: &res}, true
}

func (p *Poller) stopReason(ctx context.Context, h *Handle) error {
	if !h.isCancelled() && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrCancelled
}
