package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"go.uber.org/zap"

	"circadgo/internal/client"
	"circadgo/internal/events"
	"circadgo/internal/logger"
	"circadgo/internal/models"
	"circadgo/internal/worker"
)

// Status messages shown while a submission progresses.
const (
	MsgChooseFile     = "Please choose a CSV file first."
	MsgInFlight       = "Another upload is already in progress."
	MsgUploading      = "Uploading..."
	MsgStarting       = "Uploaded, starting analysis..."
	MsgComplete       = "Analysis complete."
	MsgQueued         = "Analysis queued. It may take a few moments."
	MsgCancelled      = "Analysis tracking stopped."
	MsgStillRunning   = "Analysis is taking longer than expected. Check results later."
	MsgSessionExpired = "Session expired. Please log in again."
)

func runningMessage(state models.TaskState) string {
	return fmt.Sprintf("Analysis running... [%s]", state)
}

// ErrNoFile is the InputError cause when no file was chosen.
var ErrNoFile = errors.New("no file chosen")

// InputError rejects a submission before any network call.
type InputError struct {
	Reason string
	Err    error
}

func (e *InputError) Error() string { return e.Reason }
func (e *InputError) Unwrap() error { return e.Err }

// UploadError is a failed upload. Err may wrap client.ErrSessionExpired.
type UploadError struct {
	Err error
}

func (e *UploadError) Error() string { return "upload failed: " + e.Err.Error() }
func (e *UploadError) Unwrap() error { return e.Err }

// AnalysisError is a failure to start or finish analysis.
type AnalysisError struct {
	Err error
}

func (e *AnalysisError) Error() string { return "analysis failed: " + e.Err.Error() }
func (e *AnalysisError) Unwrap() error { return e.Err }

var ErrSubmissionInFlight = errors.New("a submission is already in progress")

// API is the part of the remote API a submission uses.
type API interface {
	Upload(ctx context.Context, name string, content io.Reader) (models.UploadHandle, error)
	Analyze(ctx context.Context, fileID models.FileID) (models.AnalyzeResponse, error)
}

// Polls starts task polls. worker.Manager satisfies it.
type Polls interface {
	Start(ctx context.Context, taskID string, onUpdate func(worker.Update)) *worker.Handle
}

// File is one trace to submit.
type File struct {
	Name    string
	Content io.Reader
}

// StatusFunc receives each status message of a submission. For queued
// submissions it keeps being called from the poll goroutine after Submit
// returns.
type StatusFunc func(message string)

type OutcomeKind string

const (
	Completed OutcomeKind = "completed"
	Queued    OutcomeKind = "queued"
)

// Outcome is what Submit achieved. Poll and Settled are set for queued
// submissions; Settled closes once the final status message has been sent.
type Outcome struct {
	Kind    OutcomeKind
	FileID  models.FileID
	TaskID  string
	Result  *models.AnalysisResult
	Poll    *worker.Handle
	Settled <-chan struct{}
}

type OrchestratorConfig struct {
	// AllowConcurrent disables the in-flight guard.
	AllowConcurrent bool
	// PollContext bounds background polls. It must outlive the request that
	// called Submit. Defaults to context.Background().
	PollContext context.Context
}

// Orchestrator drives upload, analysis start and the hand-off to polling.
type Orchestrator struct {
	api     API
	results *ResultStore
	polls   Polls
	bus     *events.Bus
	log     *zap.Logger
	cfg     OrchestratorConfig
	busy    atomic.Bool
}

func NewOrchestrator(api API, results *ResultStore, polls Polls, bus *events.Bus, log *zap.Logger, cfg OrchestratorConfig) *Orchestrator {
	if cfg.PollContext == nil {
		cfg.PollContext = context.Background()
	}
	return &Orchestrator{
		api:     api,
		results: results,
		polls:   polls,
		bus:     bus,
		log:     logger.OrNop(log).Named("orchestrator"),
		cfg:     cfg,
	}
}

// Submit uploads file and starts its analysis. Each step begins only after
// the previous one succeeded, and every path ends in a status message.
func (o *Orchestrator) Submit(ctx context.Context, file *File, report StatusFunc) (Outcome, error) {
	if file == nil || file.Content == nil {
		o.say(report, "", MsgChooseFile)
		return Outcome{}, &InputError{Reason: ErrNoFile.Error(), Err: ErrNoFile}
	}
	if !o.cfg.AllowConcurrent {
		if !o.busy.CompareAndSwap(false, true) {
			o.say(report, "", MsgInFlight)
			return Outcome{}, ErrSubmissionInFlight
		}
		defer o.busy.Store(false)
	}
	log := o.log.With(zap.String("file", file.Name))

	o.say(report, "", MsgUploading)
	handle, err := o.api.Upload(ctx, file.Name, file.Content)
	if err != nil {
		log.Warn("upload failed", zap.Error(err))
		o.sayFailure(report, "", "Upload failed", err)
		return Outcome{}, &UploadError{Err: err}
	}
	log = log.With(zap.String("file_id", string(handle.FileID)))

	o.say(report, "", MsgStarting)
	resp, err := o.api.Analyze(ctx, handle.FileID)
	if err != nil {
		log.Warn("analysis start failed", zap.Error(err))
		o.sayFailure(report, "", "Analysis failed to start", err)
		return Outcome{FileID: handle.FileID}, &AnalysisError{Err: err}
	}

	if resp.Result != nil {
		result := *resp.Result
		result.Normalize()
		if err := o.results.Set(ctx, result); err != nil {
			log.Warn("backend returned an unusable result", zap.Error(err))
			o.sayFailure(report, "", "Analysis failed", err)
			return Outcome{FileID: handle.FileID}, &AnalysisError{Err: err}
		}
		log.Info("analysis completed synchronously", zap.Int64("analysis_id", result.ID))
		o.say(report, "", MsgComplete)
		return Outcome{Kind: Completed, FileID: handle.FileID, Result: &result}, nil
	}

	taskID := resp.TaskID
	log.Info("analysis queued", zap.String("task_id", taskID))
	o.say(report, taskID, MsgQueued)
	h := o.polls.Start(o.cfg.PollContext, taskID, func(u worker.Update) {
		o.bus.Publish(events.Event{Type: events.TaskProgress, TaskID: taskID, State: u.State})
		if u.Err == nil && u.State != "" {
			o.say(report, taskID, runningMessage(u.State))
		}
	})
	settled := make(chan struct{})
	go func() {
		defer close(settled)
		o.follow(h, report)
	}()
	return Outcome{Kind: Queued, FileID: handle.FileID, TaskID: taskID, Poll: h, Settled: settled}, nil
}

// follow reports the terminal state of a queued submission.
func (o *Orchestrator) follow(h *worker.Handle, report StatusFunc) {
	<-h.Done()
	out, _ := h.Outcome()
	taskID := h.TaskID()
	o.bus.Publish(events.Event{Type: events.TaskProgress, TaskID: taskID, State: out.State})

	var fe *worker.FailureError
	switch {
	case out.Err == nil:
		o.say(report, taskID, MsgComplete)
	case errors.Is(out.Err, worker.ErrCancelled):
		o.say(report, taskID, MsgCancelled)
	case errors.Is(out.Err, worker.ErrTimeout), errors.Is(out.Err, worker.ErrExhausted):
		o.say(report, taskID, MsgStillRunning)
	case errors.As(out.Err, &fe) && fe.Reason != "":
		o.say(report, taskID, "Analysis failed: "+fe.Reason)
	default:
		o.sayFailure(report, taskID, "Analysis failed", out.Err)
	}
}

func (o *Orchestrator) sayFailure(report StatusFunc, taskID, prefix string, err error) {
	if errors.Is(err, client.ErrSessionExpired) {
		o.say(report, taskID, MsgSessionExpired)
		return
	}
	o.say(report, taskID, prefix+": "+err.Error())
}

func (o *Orchestrator) say(report StatusFunc, taskID, msg string) {
	if report != nil {
		report(msg)
	}
	o.bus.Publish(events.Event{Type: events.SubmissionStatus, TaskID: taskID, Message: msg})
}
