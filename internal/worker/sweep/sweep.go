// Package sweep deletes expired sessions and OAuth states on a schedule.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// DefaultInterval is used when New gets a non-positive interval.
const DefaultInterval = 10 * time.Minute

// SessionPurger deletes sessions expired at now.
type SessionPurger interface {
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// StatePurger deletes OAuth states expired at now.
type StatePurger interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Result counts what one pass removed.
type Result struct {
	Sessions int64
	States   int64
}

// Job runs the sweep. Either purger may be nil.
type Job struct {
	sessions SessionPurger
	states   StatePurger
	interval time.Duration
	now      func() time.Time
}

// New returns a Job that runs every interval.
func New(sessions SessionPurger, states StatePurger, interval time.Duration) *Job {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Job{sessions: sessions, states: states, interval: interval, now: time.Now}
}

// RunOnce runs one pass. A failing purge does not stop the other; both errors are returned joined.
func (j *Job) RunOnce(ctx context.Context) (Result, error) {
	start := j.now()
	now := start.UTC()
	var (
		res  Result
		errs []error
	)
	if j.sessions != nil {
		n, err := j.sessions.DeleteExpiredSessions(ctx, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("sessions: %w", err))
		}
		res.Sessions = n
	}
	if j.states != nil {
		n, err := j.states.DeleteExpired(ctx, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("oauth states: %w", err))
		}
		res.States = n
	}
	if err := errors.Join(errs...); err != nil {
		log.Printf("sweep: pass failed: %v", err)
		return res, err
	}
	log.Printf("sweep: removed sessions=%d states=%d duration_ms=%d", res.Sessions, res.States, j.now().Sub(start).Milliseconds())
	return res, nil
}

// Run sweeps immediately and then every interval until ctx is done. Failed
// passes are logged and retried on the next tick.
func (j *Job) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		_, _ = j.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
