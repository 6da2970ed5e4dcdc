package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStaleJobLister struct {
	keys []string
	err  error
}

func (f *fakeStaleJobLister) StaleJobKeys(_ context.Context, _ int) ([]string, error) {
	return f.keys, f.err
}

type fakeResumer struct {
	resumed []string
	failFor map[string]error
}

func (f *fakeResumer) ResumeJob(_ context.Context, jobKey string) error {
	f.resumed = append(f.resumed, jobKey)
	if f.failFor != nil {
		if err, ok := f.failFor[jobKey]; ok {
			return err
		}
	}
	return nil
}

// TestScheduler_SweepResumesEveryStaleJob covers the reconciliation
// sweep's core contract: every stale checkpoint key is resumed exactly
// once per sweep.
func TestScheduler_SweepResumesEveryStaleJob(t *testing.T) {
	lister := &fakeStaleJobLister{keys: []string{"job1", "job2", "job3"}}
	resumer := &fakeResumer{}
	s := New(lister, resumer, zap.NewNop().Sugar())

	s.sweep()

	assert.ElementsMatch(t, []string{"job1", "job2", "job3"}, resumer.resumed)
}

// TestScheduler_SweepContinuesPastResumeFailure ensures one job's resume
// error doesn't stop the sweep from attempting the remaining jobs.
func TestScheduler_SweepContinuesPastResumeFailure(t *testing.T) {
	lister := &fakeStaleJobLister{keys: []string{"job1", "job2"}}
	resumer := &fakeResumer{failFor: map[string]error{"job1": errors.New("boom")}}
	s := New(lister, resumer, zap.NewNop().Sugar())

	s.sweep()

	assert.ElementsMatch(t, []string{"job1", "job2"}, resumer.resumed)
}

// TestScheduler_SweepNoOpOnListerError ensures a failure to list stale
// jobs aborts the sweep without calling the resumer.
func TestScheduler_SweepNoOpOnListerError(t *testing.T) {
	lister := &fakeStaleJobLister{err: errors.New("db down")}
	resumer := &fakeResumer{}
	s := New(lister, resumer, zap.NewNop().Sugar())

	s.sweep()

	assert.Empty(t, resumer.resumed)
}

// TestScheduler_StartRejectsInvalidCronSpec covers New/Start wiring: an
// unparseable cron spec is returned as an error, not silently ignored.
func TestScheduler_StartRejectsInvalidCronSpec(t *testing.T) {
	s := New(&fakeStaleJobLister{}, &fakeResumer{}, zap.NewNop().Sugar())
	err := s.Start("not a cron spec")
	require.Error(t, err)
}
