package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/christmasforkids/cfk-sponsorship/internal/observability"
)

type Job func(ctx context.Context) error

type Runner struct {
	ctx context.Context
	log *zap.Logger
	wg  sync.WaitGroup
}

func New(ctx context.Context, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{ctx: ctx, log: log}
}

// Every runs fn on each tick until the runner's context ends.
// A tick that is still running when the next one fires delays it.
func (r *Runner) Every(interval time.Duration, name string, fn Job) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-t.C:
				_ = r.Run(name, fn)
			}
		}
	}()
}

// Run executes one pass of fn with metrics and panic capture.
func (r *Runner) Run(name string, fn Job) (err error) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = observability.RecoverErr(p, "job "+name)
		}
		jobDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		if err != nil {
			jobRuns.WithLabelValues(name, "error").Inc()
			r.log.Error("job failed", zap.String("job", name), zap.Error(err))
			return
		}
		jobRuns.WithLabelValues(name, "ok").Inc()
		jobLastSuccess.WithLabelValues(name).SetToCurrentTime()
	}()
	return fn(r.ctx)
}

// Wait blocks until every Every loop has returned.
func (r *Runner) Wait() { r.wg.Wait() }
