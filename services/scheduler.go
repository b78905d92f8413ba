// services/scheduler.go
package services

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// StartExpirySweeps runs the periodic cleanups: lapsed signing sessions are
// deleted and stale recovery attempts are pushed into their terminal state.
// The sweeps bound storage; the reactive checks on read bound staleness.
func StartExpirySweeps(sessions *SessionService, recovery *RecoveryService) {
	sched, _ := gocron.NewScheduler()
	sched.Start()

	_, _ = sched.NewJob(
		gocron.DurationJob(5*time.Minute),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if n, err := sessions.SweepExpired(ctx); err != nil {
				log.Printf("[SWEEP] session sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("[SWEEP] removed %d expired session(s)", n)
			}

			if n, err := recovery.SweepExpired(ctx); err != nil {
				log.Printf("[SWEEP] recovery sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("[SWEEP] expired %d stale recovery attempt(s)", n)
			}
		}),
	)
}
