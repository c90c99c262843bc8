package scheduler

import (
	"context"
	"time"
)

// Job names.
const (
	JobCacheWarm      = "cache_warm"
	JobLimiterCleanup = "limiter_cleanup"
	JobAdminCheck     = "admin_check"
	JobCachePurge     = "cache_purge"
)

// LimiterIdle is how long a client bucket may sit unused before cleanup drops
// it.
const LimiterIdle = 15 * time.Minute

// Warmer recomputes cached aggregates.
type Warmer interface {
	Warm(ctx context.Context) error
}

// Cleaner drops idle rate limiter state.
type Cleaner interface {
	Cleanup(maxIdle time.Duration) int
}

// Purger drops expired cache entries.
type Purger interface {
	Purge() int
}

// AdminChecker creates the admin account when it is missing.
type AdminChecker interface {
	CheckAdmin(ctx context.Context) (bool, error)
}

// CacheWarmJob keeps the dashboard aggregates hot.
func CacheWarmJob(spec string, w Warmer) Job {
	return Job{
		Name:    JobCacheWarm,
		Spec:    spec,
		Timeout: 20 * time.Second,
		Run:     w.Warm,
	}
}

// LimiterCleanupJob sweeps every limiter passed in.
func LimiterCleanupJob(spec string, limiters ...Cleaner) Job {
	return Job{
		Name: JobLimiterCleanup,
		Spec: spec,
		Run: func(context.Context) error {
			for _, l := range limiters {
				if l != nil {
					l.Cleanup(LimiterIdle)
				}
			}
			return nil
		},
	}
}

// CachePurgeJob evicts expired entries from an in-process cache.
func CachePurgeJob(spec string, p Purger) Job {
	return Job{
		Name: JobCachePurge,
		Spec: spec,
		Run: func(context.Context) error {
			p.Purge()
			return nil
		},
	}
}

// AdminCheckJob recreates the admin account if it disappeared.
func AdminCheckJob(spec string, c AdminChecker) Job {
	return Job{
		Name: JobAdminCheck,
		Spec: spec,
		Run: func(ctx context.Context) error {
			_, err := c.CheckAdmin(ctx)
			return err
		},
	}
}
