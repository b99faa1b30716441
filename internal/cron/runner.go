package cronrunner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one analytics stage. It must return promptly once ctx is done.
type Job func(ctx context.Context) error

type Runner struct {
	cron    *cron.Cron
	logger  *zap.Logger
	baseCtx context.Context

	mu      sync.Mutex
	running map[string]bool
	observe func(job string, err error)
}

func New(logger *zap.Logger, baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cron:    cron.New(cron.WithSeconds()),
		logger:  logger,
		baseCtx: baseCtx,
		running: map[string]bool{},
	}
}

// Observe registers a callback fired after every completed run.
func (r *Runner) Observe(fn func(job string, err error)) {
	r.observe = fn
}

// Add schedules job under spec. Overlapping runs of the same job are skipped
// and the shared context is checked before every run.
func (r *Runner) Add(name, spec string, job Job) (cron.EntryID, error) {
	if spec == "" {
		return 0, fmt.Errorf("cron %s: empty spec", name)
	}
	return r.cron.AddFunc(spec, func() {
		r.run(name, job)
	})
}

// Every is shorthand for an "@every" spec.
func (r *Runner) Every(name string, interval time.Duration, job Job) (cron.EntryID, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("cron %s: interval must be positive", name)
	}
	return r.Add(name, "@every "+interval.String(), job)
}

func (r *Runner) run(name string, job Job) {
	ctx := r.baseCtx
	if ctx.Err() != nil {
		return
	}
	if !r.claim(name) {
		r.logger.Debug("cron job still running, skipped", zap.String("job", name))
		return
	}
	defer r.release(name)
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("cron job panicked", zap.String("job", name), zap.Any("panic", rec))
		}
	}()

	start := time.Now()
	err := job(ctx)
	if r.observe != nil && !errors.Is(err, context.Canceled) {
		r.observe(name, err)
	}
	switch {
	case err == nil:
		r.logger.Debug("cron job done", zap.String("job", name), zap.Duration("took", time.Since(start)))
	case errors.Is(err, context.Canceled):
	default:
		r.logger.Warn("cron job failed", zap.String("job", name), zap.Error(err))
	}
}

func (r *Runner) claim(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[name] {
		return false
	}
	r.running[name] = true
	return true
}

func (r *Runner) release(name string) {
	r.mu.Lock()
	delete(r.running, name)
	r.mu.Unlock()
}

func (r *Runner) Start() {
	r.logger.Info("cron started", zap.Int("jobs", len(r.cron.Entries())))
	r.cron.Start()
}

// Stop waits for running jobs to return.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("cron stopped")
}
