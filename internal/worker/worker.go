package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Locker hands out cross-process exclusivity for a job run. The store's
// advisory locks implement it.
type Locker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (bool, func(), error)
}

// Job is one periodic maintenance task. LockKey must be unique per job;
// two processes running the same job contend on it and one skips.
type Job struct {
	Name    string
	Every   time.Duration
	LockKey int64
	Run     func(ctx context.Context) error
}

// Runner drives jobs on independent tickers until Stop.
type Runner struct {
	locker Locker
	jobs   []Job

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewRunner builds a runner.
func NewRunner(locker Locker, jobs []Job) *Runner {
	return &Runner{locker: locker, jobs: jobs}
}

// Start launches one goroutine per job. Each job also fires once shortly
// after startup so a long interval does not delay the first pass.
func (r *Runner) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	for _, job := range r.jobs {
		r.wg.Add(1)
		go r.loop(ctx, job)
	}
	log.Info().Int("jobs", len(r.jobs)).Msg("worker started")
}

// Stop cancels all jobs and waits for in-flight runs to finish.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	log.Info().Msg("worker stopped")
}

func (r *Runner) loop(ctx context.Context, job Job) {
	defer r.wg.Done()

	initial := time.NewTimer(10 * time.Second)
	defer initial.Stop()
	select {
	case <-ctx.Done():
		return
	case <-initial.C:
		r.runOnce(ctx, job)
	}

	ticker := time.NewTicker(job.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, job)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, job Job) {
	got, release, err := r.locker.TryAdvisoryLock(ctx, job.LockKey)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("job", job.Name).Msg("job lock unavailable")
		return
	}
	if !got {
		log.Ctx(ctx).Debug().Str("job", job.Name).Msg("job held elsewhere, skipping")
		return
	}
	defer release()

	start := time.Now()
	log.Ctx(ctx).Debug().Str("job", job.Name).Msg("job started")
	if err := job.Run(ctx); err != nil {
		log.Ctx(ctx).Error().Err(err).
			Str("job", job.Name).
			Dur("elapsed", time.Since(start)).
			Msg("job failed")
		return
	}
	log.Ctx(ctx).Info().
		Str("job", job.Name).
		Dur("elapsed", time.Since(start)).
		Msg("job finished")
}
