// Package maintenance runs periodic housekeeping: removal of temp files left by interrupted writes
// and pruning of the save journal. Tasks run on a cron schedule, in parallel.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
	"github.com/robfig/cron/v3"
)

// Sweeper removes orphan temp files older than maxAge
type Sweeper interface {
	Sweep(maxAge time.Duration) (int, error)
}

// Pruner trims the journal to keep entries per user
type Pruner interface {
	Prune(ctx context.Context, keep int) (int64, error)
}

// Scheduler runs maintenance tasks on schedule
type Scheduler struct {
	Spec     string        // cron spec or descriptor, like "@hourly"
	Sweeper  Sweeper       // required
	Pruner   Pruner        // optional, no pruning if nil
	TempAge  time.Duration // temp files younger than this may belong to a running write, 1h if not set
	KeepLast int           // journal entries kept per user, no pruning if 0
}

// Report is the result of a single maintenance run
type Report struct {
	Swept  int
	Pruned int64
	Errors []error
}

// Do runs blocking scheduler until ctx is done. Maintenance runs once on start and then on schedule.
func (s *Scheduler) Do(ctx context.Context) error {
	if s.Sweeper == nil {
		return errors.New("maintenance requires a sweeper")
	}
	sched, err := cron.ParseStandard(s.Spec)
	if err != nil {
		return fmt.Errorf("can't parse maintenance schedule %q: %w", s.Spec, err)
	}

	c := cron.New()
	c.Schedule(sched, cron.FuncJob(func() { s.RunOnce(ctx) }))
	log.Printf("[INFO] maintenance scheduled %q, next run at %s", s.Spec, sched.Next(time.Now()).Format(time.RFC3339))

	s.RunOnce(ctx)
	c.Start()
	<-ctx.Done()
	log.Print("[DEBUG] maintenance terminated")
	<-c.Stop().Done()
	return nil
}

// RunOnce sweeps temp files and prunes the journal in parallel
func (s *Scheduler) RunOnce(ctx context.Context) Report {
	tempAge := s.TempAge
	if tempAge <= 0 {
		tempAge = time.Hour
	}

	var mu sync.Mutex
	rep := Report{}
	addErr := func(err error) {
		mu.Lock()
		rep.Errors = append(rep.Errors, err)
		mu.Unlock()
	}

	gr := syncs.NewSizedGroup(2, syncs.Context(ctx))
	gr.Go(func(context.Context) {
		n, err := s.Sweeper.Sweep(tempAge)
		if err != nil {
			addErr(fmt.Errorf("sweep: %w", err))
			return
		}
		mu.Lock()
		rep.Swept = n
		mu.Unlock()
	})
	if s.Pruner != nil && s.KeepLast > 0 {
		gr.Go(func(ctx context.Context) {
			n, err := s.Pruner.Prune(ctx, s.KeepLast)
			if err != nil {
				addErr(fmt.Errorf("prune: %w", err))
				return
			}
			mu.Lock()
			rep.Pruned = n
			mu.Unlock()
		})
	}
	gr.Wait()

	for _, err := range rep.Errors {
		log.Printf("[WARN] maintenance failed, %v", err)
	}
	if rep.Swept > 0 || rep.Pruned > 0 {
		log.Printf("[INFO] maintenance done, removed %d temp files and %d journal entries", rep.Swept, rep.Pruned)
	}
	return rep
}
