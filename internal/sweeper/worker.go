package sweeper

import (
	"context"
	"time"

	"github.com/riverqueue/river"
)

// ExpireSessionsArgs is the periodic sweep job.
type ExpireSessionsArgs struct{}

func (ExpireSessionsArgs) Kind() string { return "expire_sessions" }

// InsertOpts disables retries; the next period sweeps again anyway.
func (ExpireSessionsArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 1}
}

type ExpireSessionsWorker struct {
	river.WorkerDefaults[ExpireSessionsArgs]
	sweeper *Sweeper
}

func NewExpireSessionsWorker(s *Sweeper) *ExpireSessionsWorker {
	return &ExpireSessionsWorker{sweeper: s}
}

func (w *ExpireSessionsWorker) Work(ctx context.Context, job *river.Job[ExpireSessionsArgs]) error {
	_, err := w.sweeper.Sweep(ctx)
	return err
}

// Timeout bounds one sweep.
func (w *ExpireSessionsWorker) Timeout(*river.Job[ExpireSessionsArgs]) time.Duration {
	return 5 * time.Minute
}

// PeriodicJob schedules the sweep every interval, starting at client start.
func PeriodicJob(interval time.Duration) *river.PeriodicJob {
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) { return ExpireSessionsArgs{}, nil },
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}
