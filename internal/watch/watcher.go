// Package watch submits CSV traces dropped into a folder.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"circadgo/internal/logger"
	"circadgo/internal/service/analysis"
)

// DefaultDebounce is how long a file must stay quiet before it is submitted.
const DefaultDebounce = 750 * time.Millisecond

// Submitter runs one submission. analysis.Orchestrator satisfies it.
type Submitter interface {
	Submit(ctx context.Context, file *analysis.File, report analysis.StatusFunc) (analysis.Outcome, error)
}

// Result is reported once per submitted file.
type Result struct {
	Path    string
	Outcome analysis.Outcome
	Err     error
}

type Option func(*Watcher)

func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// WithStatus receives the status messages of every submission.
func WithStatus(fn analysis.StatusFunc) Option {
	return func(w *Watcher) { w.status = fn }
}

// WithOnResult is called after each file's submission and, for queued
// analyses, its poll have finished.
func WithOnResult(fn func(Result)) Option {
	return func(w *Watcher) { w.onResult = fn }
}

// Watcher watches one directory, non-recursively.
type Watcher struct {
	dir      string
	submit   Submitter
	debounce time.Duration
	status   analysis.StatusFunc
	onResult func(Result)
	log      *zap.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	queue  chan string
}

func New(dir string, submit Submitter, log *zap.Logger, opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", abs)
	}
	w := &Watcher{
		dir:      abs,
		submit:   submit,
		debounce: DefaultDebounce,
		onResult: func(Result) {},
		log:      logger.OrNop(log).Named("watch"),
		timers:   make(map[string]*time.Timer),
		queue:    make(chan string, 64),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run watches until ctx is done. Files are submitted one at a time in the
// order they settle.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.log.Info("watching folder", zap.String("dir", w.dir))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.drain(ctx)
	}()
	defer func() {
		w.stopTimers()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			if !isTrace(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.schedule(ctx, event.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			w.log.Warn("watch error", zap.Error(err))
		}
	}
}

func isTrace(name string) bool {
	base := filepath.Base(name)
	return !strings.HasPrefix(base, ".") && strings.EqualFold(filepath.Ext(base), ".csv")
}

// schedule restarts the quiet period for path.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scheduleLocked(ctx, path)
}

// scheduleLocked needs w.mu. A timer that already fired may still be waiting
// for the lock, so it is replaced rather than reset and only the current
// timer queues the path.
func (w *Watcher) scheduleLocked(ctx context.Context, path string) {
	if t, ok := w.timers[path]; ok && t.Stop() {
		t.Reset(w.debounce)
		return
	}
	var t *time.Timer
	t = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		if w.timers[path] != t {
			w.mu.Unlock()
			return
		}
		delete(w.timers, path)
		w.mu.Unlock()
		select {
		case w.queue <- path:
		case <-ctx.Done():
		}
	})
	w.timers[path] = t
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}

func (w *Watcher) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-w.queue:
			w.onResult(w.process(ctx, path))
		}
	}
}

func (w *Watcher) process(ctx context.Context, path string) Result {
	log := w.log.With(zap.String("path", path))
	f, err := os.Open(path)
	if err != nil {
		// Removed or renamed away during the quiet period.
		log.Debug("skipping file", zap.Error(err))
		return Result{Path: path, Err: err}
	}
	defer f.Close()

	out, err := w.submit.Submit(ctx, &analysis.File{Name: filepath.Base(path), Content: f}, w.status)
	if err != nil {
		log.Warn("submission failed", zap.Error(err))
		return Result{Path: path, Outcome: out, Err: err}
	}
	if out.Kind == analysis.Queued {
		select {
		case <-out.Settled:
		case <-ctx.Done():
			return Result{Path: path, Outcome: out, Err: ctx.Err()}
		}
		polled, _ := out.Poll.Outcome()
		if polled.Err != nil {
			return Result{Path: path, Outcome: out, Err: polled.Err}
		}
		out.Result = polled.Result
	}
	log.Info("trace analysed", zap.String("kind", string(out.Kind)))
	return Result{Path: path, Outcome: out}
}
