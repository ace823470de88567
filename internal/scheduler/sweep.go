package scheduler

import (
	"context"
	"log/slog"
)

// Sweeper drops expired entries from an in-process cache.
type Sweeper interface {
	Sweep() int
}

// CacheSweep returns a job that evicts expired crawler cache entries so
// long-running servers do not hold pages nobody will read again.
func CacheSweep(schedule string, s Sweeper) Job {
	return Job{
		Name:     "cache-sweep",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if n := s.Sweep(); n > 0 {
				slog.Info("swept expired cache entries", "count", n)
			}
			return nil
		},
	}
}
