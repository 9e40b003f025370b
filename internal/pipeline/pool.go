package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/metrics"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/redisc"
)

// Stage is a single pipeline stage: it fetches one unit of work and handles
// it. Fetch should block up to its poll timeout and return redisc.ErrEmpty
// when nothing is queued.
type Stage interface {
	Name() string
	Fetch(ctx context.Context) (interface{}, error)
	Handle(ctx context.Context, work interface{}) error
}

// Runner drives a Stage with a fixed worker pool and a graceful drain on
// shutdown.
type Runner struct {
	stage   Stage
	workers int
	timeout time.Duration // per-unit handle timeout
	grace   time.Duration // drain budget after ctx cancellation
	hooks   []Hook

	wg sync.WaitGroup
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithTimeout bounds how long a single Handle call may run.
func WithTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.timeout = d }
}

// WithGrace bounds the drain period after shutdown begins.
func WithGrace(d time.Duration) RunnerOption {
	return func(r *Runner) { r.grace = d }
}

// WithHooks installs middleware hooks around every Handle call.
func WithHooks(hooks ...Hook) RunnerOption {
	return func(r *Runner) { r.hooks = append(r.hooks, hooks...) }
}

// NewRunner builds a Runner with the given parallelism.
func NewRunner(stage Stage, workers int, opts ...RunnerOption) *Runner {
	if workers < 1 {
		workers = 1
	}
	r := &Runner{
		stage:   stage,
		workers: workers,
		timeout: 30 * time.Second,
		grace:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run blocks until ctx is cancelled and all workers have drained their
// in-flight work or the grace period elapses.
func (r *Runner) Run(ctx context.Context) {
	log.Info().Str("stage", r.stage.Name()).Int("workers", r.workers).Msg("stage starting")

	// workCtx outlives ctx by the grace period so in-flight units can finish.
	workCtx, cancelWork := context.WithCancel(context.Background())

	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx, workCtx, i)
	}

	<-ctx.Done()
	log.Info().Str("stage", r.stage.Name()).Dur("grace", r.grace).Msg("stage draining")

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Str("stage", r.stage.Name()).Msg("stage drained")
	case <-time.After(r.grace):
		log.Warn().Str("stage", r.stage.Name()).Msg("stage drain timed out")
	}
	cancelWork()
}

func (r *Runner) worker(fetchCtx, workCtx context.Context, id int) {
	defer r.wg.Done()
	for {
		select {
		case <-fetchCtx.Done():
			return
		default:
		}

		work, err := r.stage.Fetch(fetchCtx)
		if err != nil {
			if errors.Is(err, redisc.ErrEmpty) || errors.Is(err, context.Canceled) {
				continue
			}
			metrics.ErrorsTotal.WithLabelValues(r.stage.Name(), "fetch").Inc()
			log.Error().Err(err).Str("stage", r.stage.Name()).Int("worker", id).Msg("fetch failed")
			// back off so a broken broker does not spin the pool
			select {
			case <-fetchCtx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if work == nil {
			continue
		}

		r.handleOne(workCtx, work)
	}
}

func (r *Runner) handleOne(ctx context.Context, work interface{}) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	for _, h := range r.hooks {
		if h.Before != nil {
			ctx = h.Before(ctx, work)
		}
	}

	start := time.Now()
	err := r.safeHandle(ctx, work)
	elapsed := time.Since(start)

	for i := len(r.hooks) - 1; i >= 0; i-- {
		if r.hooks[i].After != nil {
			r.hooks[i].After(ctx, work, err, elapsed)
		}
	}

	metrics.ProcessLatency.WithLabelValues(r.stage.Name()).Observe(elapsed.Seconds())
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(r.stage.Name(), "handle").Inc()
		log.Error().Err(err).Str("stage", r.stage.Name()).Msg("handle failed")
		return
	}
	metrics.ProcessedTotal.WithLabelValues(r.stage.Name()).Inc()
}

// safeHandle contains panics from a single unit so one poison record cannot
// take down the worker pool.
func (r *Runner) safeHandle(ctx context.Context, work interface{}) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in %s handler: %v", r.stage.Name(), rec)
		}
	}()
	return r.stage.Handle(ctx, work)
}
