// Package batchadapter implements row-level pipelining for plugins that
// call external pay-by-the-request services: a plugin opts in through
// plugin.RowPipelined, whose MaxPending bounds the rows in flight; the
// engine submits rows with Accept and reads their outcomes from Results,
// through a bounded worker pool, with
// internal/resilience supplying the circuit breaker + retry pair and
// golang.org/x/time/rate the admission limiter.
package batchadapter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/sentryflow/sentryflow/internal/resilience"
	"github.com/sentryflow/sentryflow/pkg/plugin"
)

// CapacityError is raised for HTTP 429/503/529 (or equivalents), always
// the signal to retry with backoff.
type CapacityError struct {
	Status int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("batchadapter: capacity error (status %d)", e.Status)
}

// Retryable always reports true for a CapacityError: that is the entire
// reason the type exists.
func (e *CapacityError) Retryable() bool { return true }

// ClassifiedError wraps an error alongside its HTTP status and classifies
// retryability by that status alone: rate-limit statuses and 5xx are
// retryable, every other status is not. An error carrying no status
// (Status 0, such as a network failure) is therefore not retryable.
type ClassifiedError struct {
	Status int
	Err    error
}

func (e *ClassifiedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("batchadapter: status %d: %s", e.Status, e.Err.Error())
	}
	return fmt.Sprintf("batchadapter: status %d", e.Status)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Retryable classifies by status: 429/503/529 and any 5xx are retryable,
// any other 4xx is not.
func (e *ClassifiedError) Retryable() bool {
	switch e.Status {
	case 429, 503, 529:
		return true
	}
	if e.Status >= 500 {
		return true
	}
	return false
}

// Process is the plugin-supplied per-row call: the adapter's `accept(row,
// ctx)` bridge into a row-pipelined plugin.
type Process func(ctx context.Context, row plugin.Row) (plugin.TransformResult, error)

// Result is one row's outcome, tagged with its submission sequence so
// callers can confirm FIFO delivery.
type Result struct {
	Seq    int64
	Row    plugin.Row
	Output plugin.TransformResult
	Err    error
}

// Config bounds an Adapter's concurrency and retry behavior.
type Config struct {
	MaxPending int               // bounded submit queue / in-flight cap
	Limiter    *rate.Limiter     // admission control; nil disables rate limiting
	Breaker    *resilience.CircuitBreaker
	Retry      resilience.RetryConfig
}

// Adapter is the pooled executor bridging tokens to a row-pipelined
// plugin's accept/output ports. Submission order is preserved on output
// even though completions may race.
type Adapter struct {
	process Process
	cfg     Config

	sem chan struct{}
	wg  sync.WaitGroup

	nextSeq int64

	mu       sync.Mutex
	pending  map[int64]Result
	nextEmit int64

	out chan Result
}

// New constructs an Adapter. cfg.MaxPending <= 0 defaults to 1 (fully
// serialized submission).
func New(process Process, cfg Config) *Adapter {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 1
	}
	return &Adapter{
		process: process,
		cfg:     cfg,
		sem:     make(chan struct{}, cfg.MaxPending),
		pending: make(map[int64]Result),
		out:     make(chan Result, cfg.MaxPending),
	}
}

// Accept submits row for processing. It blocks until the rate limiter
// admits the request and a pool slot is
// free, or ctx is cancelled.
func (a *Adapter) Accept(ctx context.Context, row plugin.Row) error {
	if a.cfg.Limiter != nil {
		if err := a.cfg.Limiter.Wait(ctx); err != nil {
			return fmt.Errorf("batchadapter: admission wait: %w", err)
		}
	}
	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	seq := atomic.AddInt64(&a.nextSeq, 1) - 1
	a.wg.Add(1)
	go a.run(ctx, seq, row)
	return nil
}

func (a *Adapter) run(ctx context.Context, seq int64, row plugin.Row) {
	defer func() {
		<-a.sem
		a.wg.Done()
	}()

	var output plugin.TransformResult
	call := func(ctx context.Context) error {
		out, err := a.process(ctx, row)
		if err != nil {
			return err
		}
		output = out
		return nil
	}
	var err error
	if a.cfg.Breaker != nil {
		err = resilience.Retry(ctx, a.cfg.Retry, func(ctx context.Context) error {
			return a.cfg.Breaker.Execute(ctx, call)
		})
	} else {
		err = resilience.Retry(ctx, a.cfg.Retry, call)
	}

	a.emit(Result{Seq: seq, Row: row, Output: output, Err: err})
}

// emit buffers out-of-order completions and releases them onto the output
// channel strictly in submission order.
func (a *Adapter) emit(r Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending[r.Seq] = r
	for {
		next, ok := a.pending[a.nextEmit]
		if !ok {
			return
		}
		delete(a.pending, a.nextEmit)
		a.out <- next
		a.nextEmit++
	}
}

// Results returns the channel of FIFO-ordered outcomes.
func (a *Adapter) Results() <-chan Result { return a.out }

// Close waits for all in-flight work to finish and closes the results
// channel. Callers must have stopped calling Accept before calling Close.
func (a *Adapter) Close() {
	a.wg.Wait()
	close(a.out)
}
