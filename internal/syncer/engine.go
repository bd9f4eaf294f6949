// Package syncer reconciles the account store with the directory.
//
// An Engine owns a single worker goroutine. ForceReload raises a pending
// flag and wakes the worker, which runs passes back to back until no request
// is pending. Passes never overlap and are not cancelled once started.
package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/dirsync/internal/metrics"
)

// Pass is one kind of reconciliation pass.
type Pass interface {
	Mode() string
	Run(ctx context.Context) (*Report, error)
}

// Options configure an Engine.
type Options struct {
	// Interval schedules periodic passes; zero disables the timer.
	Interval time.Duration
	// MinReloadInterval turns ForceReload into a no-op when the last pass
	// finished less than this long ago and no refresh is in progress.
	MinReloadInterval time.Duration
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
}

// Status is a point-in-time view of the engine.
type Status struct {
	RefreshInProgress bool
	LastFinished      time.Time
	LastReport        *Report
	LastErr           error
}

// Engine schedules passes.
type Engine struct {
	pass    Pass
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	refreshing atomic.Bool
	wake       chan struct{}
	// busy holds one token while a pass or a Do callback writes to the directory.
	busy chan struct{}

	mu           sync.Mutex
	pending      bool
	done         chan struct{}
	lastFinished time.Time
	lastReport   *Report
	lastErr      error
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// NewEngine constructs an engine around pass.
func NewEngine(pass Pass, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		pass:    pass,
		opts:    opts,
		log:     log.With(zap.String("component", "syncer"), zap.String("mode", pass.Mode())),
		metrics: opts.Metrics,
		now:     time.Now,
		wake:    make(chan struct{}, 1),
		busy:    make(chan struct{}, 1),
		done:    closedChan,
	}
}

// ForceReload requests a pass and returns immediately. Requests made while a
// pass is running coalesce into one follow-up pass.
func (e *Engine) ForceReload() {
	e.metrics.ReloadRequested()
	e.mu.Lock()
	if !e.refreshing.Load() && e.opts.MinReloadInterval > 0 && !e.lastFinished.IsZero() &&
		e.now().Sub(e.lastFinished) < e.opts.MinReloadInterval {
		e.mu.Unlock()
		e.log.Debug("reload skipped, recent pass")
		return
	}
	e.request()
	e.mu.Unlock()
}

// request marks a pass as pending. Callers hold e.mu.
func (e *Engine) request() {
	e.pending = true
	if !e.refreshing.Load() {
		e.done = make(chan struct{})
		e.refreshing.Store(true)
		e.metrics.SetRefreshing(true)
	}
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// RefreshInProgress is true from a request until the pass that satisfies
// the last pending request has finished. It never blocks.
func (e *Engine) RefreshInProgress() bool { return e.refreshing.Load() }

// Done returns a channel closed when the current logical refresh settles.
// With no refresh in progress it is already closed.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Wait blocks until the current refresh settles or ctx ends.
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case <-e.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the state of the last pass.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		RefreshInProgress: e.refreshing.Load(),
		LastFinished:      e.lastFinished,
		LastReport:        e.lastReport,
		LastErr:           e.lastErr,
	}
}

// Run is the worker loop. It returns when ctx ends; a running pass finishes
// first. Pending requests are dropped and waiters released.
func (e *Engine) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if e.opts.Interval > 0 {
		t := time.NewTicker(e.opts.Interval)
		defer t.Stop()
		tick = t.C
	}
	e.log.Info("sync worker started", zap.Duration("interval", e.opts.Interval))
	defer e.release()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync worker stopped")
			return nil
		case <-tick:
			e.mu.Lock()
			e.request()
			e.mu.Unlock()
		case <-e.wake:
		}
		e.drain(ctx)
	}
}

func (e *Engine) drain(ctx context.Context) {
	for {
		e.mu.Lock()
		if !e.pending || ctx.Err() != nil {
			e.settle()
			e.mu.Unlock()
			return
		}
		e.pending = false
		e.mu.Unlock()

		e.RunOnce(context.WithoutCancel(ctx))
	}
}

// settle clears the refresh flag. Callers hold e.mu.
func (e *Engine) settle() {
	if !e.refreshing.Load() {
		return
	}
	e.pending = false
	e.refreshing.Store(false)
	e.metrics.SetRefreshing(false)
	close(e.done)
}

func (e *Engine) release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settle()
}

// Do runs fn while no pass is running, so directory writes made outside a
// pass never interleave with one. It waits for a running pass to finish or
// for ctx to end.
func (e *Engine) Do(ctx context.Context, fn func(context.Context) error) error {
	select {
	case e.busy <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.busy }()
	return fn(ctx)
}

// RunOnce runs one pass synchronously, serialised with the worker and Do.
func (e *Engine) RunOnce(ctx context.Context) (*Report, error) {
	e.busy <- struct{}{}
	defer func() { <-e.busy }()

	start := e.now()
	rep, err := e.pass.Run(ctx)
	if rep == nil {
		rep = newReport(e.pass.Mode(), start)
	}
	if rep.Finished.IsZero() {
		rep.Finished = e.now()
	}
	if err == nil {
		err = rep.Err()
	}
	outcome := rep.Outcome(err)
	e.metrics.ObservePass(e.pass.Mode(), outcome, rep.Finished.Sub(rep.Started))

	fields := append(rep.fields(), zap.String("outcome", outcome))
	switch outcome {
	case "ok", "partial":
		e.log.Info("sync pass finished", fields...)
	default:
		e.log.Warn("sync pass aborted", append(fields, zap.Error(err))...)
	}

	e.mu.Lock()
	e.lastFinished = e.now()
	e.lastReport, e.lastErr = rep, err
	e.mu.Unlock()
	return rep, err
}
