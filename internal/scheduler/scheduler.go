// Package scheduler runs the periodic reconciliation sweep: a cron job
// that looks for backfill checkpoints that stopped advancing and re-queues
// them, so an operator doesn't have to notice a crashed backfill
// manually. This wires robfig/cron/v3, a dependency the rest of the
// platform declares but never actually schedules anything with.
package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// staleAfterHours is how long a checkpoint can go without advancing
// before the sweep considers its job stalled.
const staleAfterHours = 6

// Resumer re-enqueues a stalled job by its checkpoint key. Supplied by
// cmd/historical, which knows how to parse a job key back into a
// JobRequest and run it on its shared Recorder.
type Resumer interface {
	ResumeJob(ctx context.Context, jobKey string) error
}

// StaleJobLister surfaces checkpoint job keys that stopped advancing.
// Satisfied by internal/checkpoint.Store; narrowed to an interface so the
// sweep is testable without a live Postgres connection.
type StaleJobLister interface {
	StaleJobKeys(ctx context.Context, olderThanHours int) ([]string, error)
}

// Scheduler owns the cron instance driving the reconciliation sweep.
type Scheduler struct {
	cron       *cron.Cron
	checkpoint StaleJobLister
	resumer    Resumer
	logger     *zap.SugaredLogger
}

// New builds a Scheduler. Call Start to begin running sweeps on
// spec (standard 5-field cron syntax).
func New(store StaleJobLister, resumer Resumer, logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		cron:       cron.New(),
		checkpoint: store,
		resumer:    resumer,
		logger:     logger,
	}
}

// Start schedules the reconciliation sweep at spec and begins running it
// in the background. Returns an error if spec doesn't parse.
func (s *Scheduler) Start(spec string) error {
	_, err := s.cron.AddFunc(spec, s.sweep)
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron scheduler, waiting for any in-flight sweep to
// finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) sweep() {
	ctx := context.Background()
	keys, err := s.checkpoint.StaleJobKeys(ctx, staleAfterHours)
	if err != nil {
		s.logger.Errorw("reconciliation sweep failed to list stale jobs", "error", err)
		return
	}
	for _, key := range keys {
		if err := s.resumer.ResumeJob(ctx, key); err != nil {
			s.logger.Errorw("reconciliation sweep failed to resume job", "error", err, "job_key", key)
		}
	}
}
