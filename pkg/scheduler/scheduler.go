// Package scheduler implements the single logical ticker that dispatches
// due pending operations (§4.3: "not a cron parser"). Grounded on
// pkg/replicator/service.go's time.Ticker-driven service loop; same poll
// idiom, different claim predicate (opstore.ClaimDue's compare-and-set
// instead of a stream-health check).
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cohenjo/migrator/pkg/opstore"
)

// Executor is the subset of *orchestrator.Orchestrator the scheduler needs;
// expressed as an interface so scheduler doesn't import orchestrator and
// tests can supply a fake.
type Executor interface {
	RunClaimed(ctx context.Context, id string) error
}

// Scheduler polls opstore for due pending operations and dispatches each
// claimed operation to Executor.RunClaimed concurrently (each operation's
// run is independent; the claim itself already serialized cross-replica
// dispatch).
type Scheduler struct {
	Store    *opstore.Store
	Executor Executor
	Interval time.Duration

	stop chan struct{}
}

func New(store *opstore.Store, executor Executor, interval time.Duration) *Scheduler {
	return &Scheduler{Store: store, Executor: executor, Interval: interval, stop: make(chan struct{})}
}

// Run blocks, ticking every Interval until ctx is cancelled or Stop is
// called.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.Interval).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler stopping: context cancelled")
			return
		case <-s.stop:
			log.Info().Msg("scheduler stopping")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) Stop() {
	close(s.stop)
}

func (s *Scheduler) tick(ctx context.Context) {
	claimed, err := s.Store.ClaimDue(ctx, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("scheduler: claim due failed")
		return
	}
	for _, op := range claimed {
		op := op
		go func() {
			if err := s.Executor.RunClaimed(ctx, op.ID); err != nil {
				log.Error().Err(err).Str("operation_id", op.ID).Msg("scheduled execution failed")
			}
		}()
	}
}
