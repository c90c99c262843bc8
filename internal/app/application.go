// Package app wires configuration, backends and services into a running
// shelter application and manages its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gaushala/shelter/internal/cache"
	"github.com/gaushala/shelter/internal/config"
	"github.com/gaushala/shelter/internal/logging"
	"github.com/gaushala/shelter/internal/middleware"
	"github.com/gaushala/shelter/internal/scheduler"
	activitysvc "github.com/gaushala/shelter/internal/services/activity"
	authsvc "github.com/gaushala/shelter/internal/services/auth"
	"github.com/gaushala/shelter/internal/services/cows"
	"github.com/gaushala/shelter/internal/services/dashboard"
	"github.com/gaushala/shelter/internal/services/setup"
	"github.com/gaushala/shelter/internal/services/upload"
	"github.com/gaushala/shelter/internal/session"
	"github.com/gaushala/shelter/internal/storage"
	"github.com/gaushala/shelter/internal/storage/memory"
	"github.com/gaushala/shelter/internal/storage/postgres"
	supabasestore "github.com/gaushala/shelter/internal/storage/supabase"
	"github.com/gaushala/shelter/internal/supabase"
	"github.com/gaushala/shelter/internal/web"
)

// ShutdownGrace bounds graceful shutdown of the HTTP server and jobs.
const ShutdownGrace = 15 * time.Second

// Application ties the services together.
type Application struct {
	cfg *config.Config
	log *logging.Logger

	Client    *supabase.Client
	Stores    storage.Stores
	Cache     cache.Cache
	Setup     *setup.Service
	Dashboard *dashboard.Service
	Server    *web.Server
	Scheduler *scheduler.Scheduler

	loginLimiter  *middleware.RateLimiter
	uploadLimiter *middleware.RateLimiter
	closers       []func() error
}

// New builds the application from cfg. Close releases what it opened.
func New(cfg *config.Config, log *logging.Logger, version string) (*Application, error) {
	if log == nil {
		log = logging.NewNop()
	}
	if cfg.Supabase.URL == "" || cfg.Supabase.AnonKey == "" {
		return nil, errors.New("supabase.url and supabase.anon_key are required for sign-in")
	}

	a := &Application{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	a.Client = client

	pg, err := a.openPostgres()
	if err != nil {
		return nil, err
	}
	if err := a.buildStores(pg); err != nil {
		return nil, err
	}
	a.Cache = a.buildCache()

	a.Setup = NewSetup(cfg, client, a.Stores.Profiles, pg, log)

	a.Dashboard = dashboard.New(dashboard.Deps{
		Cows:     a.Stores.Cows,
		Activity: a.Stores.Activity,
		Profiles: a.Stores.Profiles,
		Cache:    a.Cache,
		TTL:      cfg.Cache.TTL,
		Logger:   log,
	})

	activity := activitysvc.New(a.Stores.Activity, log)
	uploads := upload.New(log, cfg.Server.MaxUploadBytes,
		upload.DefaultChain(client.Storage(), cfg.Supabase.Bucket, cfg.Server.UploadsDir, cfg.Server.BaseURL)...)

	a.loginLimiter = middleware.NewRateLimiter("login", cfg.Auth.LoginRatePerMin, cfg.Auth.LoginRatePerMin, log)
	a.uploadLimiter = middleware.NewRateLimiter("upload", cfg.Auth.UploadRatePerMin, cfg.Auth.UploadRatePerMin, log)

	var healer authsvc.AdminHealer
	if cfg.Auth.SelfHealAdmin {
		healer = a.Setup
	}
	auth := authsvc.New(authsvc.Deps{
		Provider:  client.Auth(),
		Healer:    healer,
		SelfHeal:  cfg.Auth.SelfHealAdmin,
		Limiter:   a.loginLimiter,
		RateLimit: cfg.Auth.LoginRatePerMin,
		Logger:    log,
	})

	secret := cfg.Auth.SessionSecret
	if secret == "" {
		secret = uuid.NewString()
		log.Warn("auth.session_secret not set; using a per-process secret, forms break across restarts")
	}
	csrf, err := middleware.NewCSRF(secret, log)
	if err != nil {
		return nil, err
	}

	a.Server, err = web.New(web.Deps{
		Logger: log,
		Sessions: session.NewManager(client.Auth(), session.Config{
			JWTSecret:    cfg.Supabase.JWTSecret,
			CookieSecure: cfg.Auth.CookieSecure,
			CookieDomain: cfg.Auth.CookieDomain,
		}, log),
		CSRF: csrf,
		Auth: auth,
		Cows: cows.New(cows.Deps{
			Store:    a.Stores.Cows,
			Uploads:  uploads,
			Activity: activity,
			Changes:  a.Dashboard,
			Logger:   log,
		}),
		Uploads:       uploads,
		Activity:      activity,
		Dashboard:     a.Dashboard,
		Setup:         a.Setup,
		SetupToken:    cfg.Auth.SetupToken,
		UploadLimiter: a.uploadLimiter,
		UploadsDir:    cfg.Server.UploadsDir,
		MaxUpload:     cfg.Server.MaxUploadBytes,
		Version:       version,
	})
	if err != nil {
		return nil, fmt.Errorf("build web server: %w", err)
	}

	if a.Scheduler, err = a.buildScheduler(); err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

// NewClient builds the platform client with retries and the circuit breaker.
func NewClient(cfg *config.Config) (*supabase.Client, error) {
	res := supabase.DefaultResilienceConfig()
	if cfg.Supabase.MaxRetries >= 0 {
		res.Retry.MaxRetries = cfg.Supabase.MaxRetries
	}
	if cfg.Supabase.BreakerFailures > 0 {
		res.Breaker.FailureThreshold = cfg.Supabase.BreakerFailures
	}
	if cfg.Supabase.BreakerTimeout > 0 {
		res.Breaker.Timeout = cfg.Supabase.BreakerTimeout
	}
	client, err := supabase.New(supabase.Config{
		ProjectURL:     cfg.Supabase.URL,
		AnonKey:        cfg.Supabase.AnonKey,
		ServiceRoleKey: cfg.Supabase.ServiceRoleKey,
		Timeout:        cfg.Supabase.Timeout,
		Resilience:     &res,
	})
	if err != nil {
		return nil, fmt.Errorf("supabase client: %w", err)
	}
	return client, nil
}

// NewSetup builds the setup service. pg may be nil.
func NewSetup(cfg *config.Config, client *supabase.Client, profiles storage.ProfileStore, pg *postgres.Store, log *logging.Logger) *setup.Service {
	d := setup.Deps{
		Client:   client,
		Profiles: profiles,
		Bucket:   cfg.Supabase.Bucket,
		Admin: setup.Admin{
			Email:    cfg.Auth.AdminEmail,
			Password: cfg.Auth.AdminPassword,
			Name:     cfg.Auth.AdminName,
		},
		Logger: log,
	}
	if pg != nil {
		d.DB = pg.DB()
	}
	return setup.New(d)
}

func (a *Application) openPostgres() (*postgres.Store, error) {
	if a.cfg.Database.DSN == "" {
		return nil, nil
	}
	pg, err := postgres.Open(a.cfg.Database.DSN, a.cfg.Database.MaxOpenConns, a.cfg.Database.ConnMaxIdle)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, pg.Close)
	return pg, nil
}

func (a *Application) buildStores(pg *postgres.Store) error {
	switch a.cfg.Store.Kind {
	case config.StorePostgres:
		if pg == nil {
			return errors.New("postgres store needs database.dsn")
		}
		a.Stores = pg.Stores()
	case config.StoreMemory:
		a.log.Warn("using the in-memory store; data is lost on restart")
		a.Stores = memory.New().Stores()
	default:
		a.Stores = supabasestore.New(a.Client).Stores()
	}
	a.log.WithField("store", a.cfg.Store.Kind).Info("store ready")
	return nil
}

// buildCache falls back to the memory cache when redis is unreachable.
func (a *Application) buildCache() cache.Cache {
	c, err := cache.New(cache.Options{
		Kind:      a.cfg.Cache.Kind,
		RedisAddr: a.cfg.Cache.RedisAddr,
		RedisPass: a.cfg.Cache.RedisPassword,
		RedisDB:   a.cfg.Cache.RedisDB,
		Namespace: "gaushala",
	})
	if err != nil {
		a.log.WithError(err).Warn("cache unavailable; using memory cache")
		return cache.NewMemory()
	}
	if r, ok := c.(*cache.Redis); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := r.Ping(ctx); err != nil {
			a.log.WithError(err).Warn("redis ping failed; using memory cache")
			_ = r.Close()
			return cache.NewMemory()
		}
		a.closers = append(a.closers, r.Close)
	}
	return c
}

func (a *Application) buildScheduler() (*scheduler.Scheduler, error) {
	s := scheduler.New(a.log)
	sc := a.cfg.Scheduler
	jobs := []scheduler.Job{
		scheduler.CacheWarmJob(sc.CacheWarmSpec, a.Dashboard),
		scheduler.LimiterCleanupJob(sc.LimiterCleanSpec, a.loginLimiter, a.uploadLimiter),
	}
	if m, ok := a.Cache.(*cache.Memory); ok {
		jobs = append(jobs, scheduler.CachePurgeJob(sc.CachePurgeSpec, m))
	}
	if a.cfg.Auth.SelfHealAdmin && a.cfg.HasServiceRole() {
		jobs = append(jobs, scheduler.AdminCheckJob(sc.AdminCheckSpec, a.Setup))
	}
	for _, j := range jobs {
		if err := s.Add(j); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Run serves HTTP and runs the scheduler until ctx is cancelled.
func (a *Application) Run(ctx context.Context) error {
	if a.cfg.Scheduler.Enabled {
		a.Scheduler.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
			defer cancel()
			if err := a.Scheduler.Stop(stopCtx); err != nil {
				a.log.WithError(err).Warn("scheduler stop timed out")
			}
		}()
	}

	srv := a.Server.HTTPServer(a.cfg.Addr(), a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout)
	return web.Serve(ctx, srv, ShutdownGrace, a.log)
}

// Close releases connections in reverse order of opening.
func (a *Application) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
