// Package queue implements the global priority queue and worker pool
// (spec §4.3): workers dequeue the highest-priority runnable request,
// transition it to processing, gate it behind a provider semaphore and the
// rate limiter, then delegate to the retry/fallback executor.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	gateway "github.com/eugener/gatewayd/internal"
	"github.com/eugener/gatewayd/internal/backend"
	"github.com/eugener/gatewayd/internal/ratelimit"
	"github.com/eugener/gatewayd/internal/retry"
	"github.com/eugener/gatewayd/internal/store"
	"github.com/eugener/gatewayd/internal/telemetry"
)

// ProviderConfig is the dispatch-relevant slice of a provider descriptor.
type ProviderConfig struct {
	Name          string
	Variant       gateway.BackendVariant
	Concurrency   int
	QPS           int64
	FallbackChain []string
}

// Emitter publishes domain events to the event bus.
type Emitter interface {
	Publish(gateway.Event)
}

// Dispatcher runs NumWorkers worker loops over a shared Queue.
type Dispatcher struct {
	queue        *Queue
	sems         *semaphores
	providers    map[string]ProviderConfig
	limiter      *ratelimit.Manager
	executor     *retry.Executor
	store        store.Store
	emitter      Emitter
	numWorkers   int
	graceWindow  time.Duration
	pollInterval time.Duration
	metrics      *telemetry.Metrics // nil = metrics disabled

	cancels sync.Map // request ID -> context.CancelFunc, for in-flight cancellation
}

// WithMetrics attaches a Metrics recorder; nil disables recording.
func (d *Dispatcher) WithMetrics(m *telemetry.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// Config bounds a Dispatcher's runtime behavior.
type Config struct {
	NumWorkers   int
	GraceWindow  time.Duration // default 2s; stored but not applied by the dispatcher (the cli and terminal backends bound cancellation unwind with their own GraceWindow)
	PollInterval time.Duration
}

// NewDispatcher returns a Dispatcher over q, dispatching to providers through
// limiter and executor, persisting transitions through st, and publishing
// events through emitter.
func NewDispatcher(cfg Config, q *Queue, providers map[string]ProviderConfig, limiter *ratelimit.Manager, executor *retry.Executor, st store.Store, emitter Emitter) *Dispatcher {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 8
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 2 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	return &Dispatcher{
		queue:        q,
		sems:         newSemaphores(),
		providers:    providers,
		limiter:      limiter,
		executor:     executor,
		store:        st,
		emitter:      emitter,
		numWorkers:   cfg.NumWorkers,
		graceWindow:  cfg.GraceWindow,
		pollInterval: cfg.PollInterval,
	}
}

// Name identifies this worker for the runner's log lines.
func (d *Dispatcher) Name() string { return "queue-dispatcher" }

// Run starts NumWorkers worker loops and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.numWorkers; i++ {
		g.Go(func() error { return d.runWorker(ctx) })
	}
	return g.Wait()
}

func (d *Dispatcher) runWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if d.metrics != nil {
			d.metrics.QueueDepth.Set(float64(d.queue.Depth()))
		}

		it := d.queue.dequeueRunnable(d.isRunnable)
		if it == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.pollInterval):
			}
			continue
		}
		d.process(ctx, it)
	}
}

// isRunnable reports whether a provider's semaphore currently has spare
// capacity; it does not consume a slot (§4.3 step 1, the skip-ahead check).
func (d *Dispatcher) isRunnable(it *item) bool {
	cfg := d.providers[it.request.Provider]
	return d.sems.get(it.request.Provider, cfg.Concurrency).hasCapacity()
}

func (d *Dispatcher) process(ctx context.Context, it *item) {
	req := it.request
	cfg := d.providers[req.Provider]
	sem := d.sems.get(req.Provider, cfg.Concurrency)

	if !sem.tryAcquire() {
		// Lost the race for the slot glimpsed by isRunnable; try again later.
		d.queue.requeue(it)
		return
	}
	defer sem.release()

	if d.metrics != nil {
		d.metrics.ProviderInFlight.WithLabelValues(req.Provider).Inc()
		defer d.metrics.ProviderInFlight.WithLabelValues(req.Provider).Dec()
		d.metrics.QueueWait.Observe(time.Since(req.SubmittedAt).Seconds())
	}

	if d.limiter != nil {
		if !d.limiter.AllowProvider(req.Provider, cfg.QPS).Allowed {
			d.queue.requeue(it)
			return
		}
	}

	reqCtx, cancel := context.WithDeadline(ctx, req.Deadline)
	defer cancel()
	d.cancels.Store(req.ID, cancel)
	defer d.cancels.Delete(req.ID)

	if err := d.store.Transition(reqCtx, req.ID, gateway.StatusQueued, gateway.StatusProcessing, nil); err != nil {
		slog.Warn("dispatch: transition to processing failed", "request_id", req.ID, "error", err)
		return
	}
	req.Status = gateway.StatusProcessing
	d.publish(gateway.EventRequestProcessing, req.ID, nil)

	chain := it.fallbackChain
	if chain == nil {
		chain = cfg.FallbackChain
	}
	attemptStart := time.Now()
	outcome := d.executor.Run(reqCtx, req, req.Provider, chain)
	latency := time.Since(attemptStart)
	for _, step := range outcome.Steps {
		if n, err := d.store.IncrementAttempt(reqCtx, req.ID); err != nil {
			slog.Warn("dispatch: increment attempt failed", "request_id", req.ID, "error", err)
		} else {
			req.AttemptCount = n
		}
		d.publish(gateway.EventCLIExecuting, req.ID, step)
	}
	d.finish(reqCtx, req, outcome, latency)
}

// finish records the terminal response, transitions the request out of
// processing, and publishes the matching completion event. reqCtx is the
// per-request deadline context so its Err() distinguishes a deadline expiry
// from an external cancellation.
func (d *Dispatcher) finish(reqCtx context.Context, req *gateway.Request, outcome retry.Outcome, latency time.Duration) {
	var status gateway.Status
	var errKind gateway.ErrorKind
	var errMsg string

	switch {
	case errors.Is(reqCtx.Err(), context.Canceled):
		status = gateway.StatusCancelled
		errKind = gateway.KindCancelled
	case errors.Is(reqCtx.Err(), context.DeadlineExceeded):
		status = gateway.StatusTimedOut
		errKind = gateway.KindTimedOut
	case outcome.Result.Kind == backend.KindSuccess:
		status = gateway.StatusCompleted
	default:
		status = gateway.StatusFailed
		errKind = gateway.KindFromError(outcome.Result.Err())
		errMsg = outcome.Result.Message
	}

	bgCtx := context.Background()
	resp := &gateway.Response{
		RequestID:    req.ID,
		Text:         outcome.Result.Text,
		Thinking:     outcome.Result.Thinking,
		Usage:        outcome.Result.Usage,
		Variant:      d.providers[outcome.Provider].Variant,
		ProviderUsed: outcome.Provider,
		ErrorKind:    errKind,
		ErrorMessage: errMsg,
		CompletedAt:  time.Now(),
	}

	var cost *store.CostSample
	if status == gateway.StatusCompleted && outcome.Result.Cost > 0 {
		cost = &store.CostSample{
			RequestID: req.ID,
			Provider:  outcome.Provider,
			Cost:      outcome.Result.Cost,
			Tokens:    outcome.Result.Usage.TotalTokens,
			At:        resp.CompletedAt,
		}
	}

	if err := d.store.CompleteRequest(bgCtx, resp, gateway.StatusProcessing, status,
		map[string]string{"error_kind": string(errKind)}, cost); err != nil {
		slog.Error("dispatch: complete request failed", "request_id", req.ID, "error", err)
	}
	req.Status = status
	d.recordOutcomeMetrics(req, status, outcome, latency)

	evt := gateway.EventRequestCompleted
	switch status {
	case gateway.StatusFailed:
		evt = gateway.EventRequestFailed
	case gateway.StatusCancelled:
		evt = gateway.EventRequestCancelled
	case gateway.StatusTimedOut:
		evt = gateway.EventRequestFailed
	}
	d.publish(evt, req.ID, resp)
}

// recordOutcomeMetrics derives retry/fallback counts from outcome.Steps
// (consecutive same-provider steps are retries of that provider; a provider
// change between steps is a fallback hop) and records the terminal counters
// and latency histogram.
func (d *Dispatcher) recordOutcomeMetrics(req *gateway.Request, status gateway.Status, outcome retry.Outcome, latency time.Duration) {
	if d.metrics == nil {
		return
	}
	if status == gateway.StatusCompleted {
		d.metrics.RequestsCompleted.WithLabelValues(outcome.Provider).Inc()
	} else {
		d.metrics.RequestsFailed.WithLabelValues(req.Provider, string(gateway.KindFromError(outcome.Result.Err()))).Inc()
	}
	d.metrics.ProviderLatency.WithLabelValues(outcome.Provider).Observe(latency.Seconds())

	for i, step := range outcome.Steps {
		if i == 0 {
			continue
		}
		if step.Provider == outcome.Steps[i-1].Provider {
			d.metrics.Retries.WithLabelValues(step.Provider).Inc()
		} else {
			d.metrics.Fallbacks.WithLabelValues(outcome.Steps[i-1].Provider, step.Provider).Inc()
		}
	}
}

// Cancel cancels the in-flight context for requestID if a worker is
// currently processing it, returning true if a cancellation was delivered.
// It has no effect on a request that is still sitting in the queue; callers
// should also try Queue.Remove for that case.
func (d *Dispatcher) Cancel(requestID string) bool {
	v, ok := d.cancels.Load(requestID)
	if !ok {
		return false
	}
	v.(context.CancelFunc)()
	return true
}

func (d *Dispatcher) publish(t gateway.EventType, requestID string, payload any) {
	if d.emitter == nil {
		return
	}
	d.emitter.Publish(gateway.Event{Type: t, RequestID: requestID, Timestamp: time.Now(), Payload: payload})
}
