// Package app assembles stores, the job machine and the scheduler from
// configuration and exposes the operations the CLI and HTTP API share.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/appt-scheduler/internal/artifact"
	"github.com/example/appt-scheduler/internal/auth"
	"github.com/example/appt-scheduler/internal/classify"
	"github.com/example/appt-scheduler/internal/config"
	"github.com/example/appt-scheduler/internal/crypto"
	"github.com/example/appt-scheduler/internal/db"
	"github.com/example/appt-scheduler/internal/events"
	"github.com/example/appt-scheduler/internal/jobs"
	"github.com/example/appt-scheduler/internal/machine"
	"github.com/example/appt-scheduler/internal/migrate"
	"github.com/example/appt-scheduler/internal/notify"
	"github.com/example/appt-scheduler/internal/profile"
	"github.com/example/appt-scheduler/internal/scheduler"
	"github.com/example/appt-scheduler/internal/session"
	"github.com/example/appt-scheduler/internal/verify"
	"github.com/facebookgo/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	// Browser replaces the Chrome browser.
	Browser session.Browser
	Clock   clock.Clock
	Migrate bool
}

type App struct {
	Users     auth.Users
	Profiles  profile.Store
	Jobs      jobs.Store
	Hub       *events.Hub
	Machine   *machine.Machine
	Scheduler *scheduler.Scheduler

	cfg    config.Config
	clock  clock.Clock
	logger *zap.Logger
	db     *db.DB
	redis  *events.RedisPublisher
	chrome *session.ChromeBrowser
}

func Open(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, clock: opts.Clock, logger: logger}
	if a.clock == nil {
		a.clock = clock.New()
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var eventLog events.Log
	switch cfg.Store {
	case "memory":
		a.Users = auth.NewMemUsers()
		a.Profiles = profile.NewMemStore()
		a.Jobs = jobs.NewMemStore()
		eventLog = events.NewMemLog()
	default:
		aead, err := crypto.New(cfg.DataKey)
		if err != nil {
			return nil, fmt.Errorf("data key: %w", err)
		}
		if a.db, err = db.Open(ctx, cfg.DatabaseURL); err != nil {
			return nil, err
		}
		if err := a.db.Ping(ctx); err != nil {
			return nil, fmt.Errorf("db ping: %w", err)
		}
		if opts.Migrate {
			if err := migrate.Up(ctx, a.db); err != nil {
				return nil, err
			}
		}
		a.Users = auth.NewPgUsers(a.db)
		a.Profiles = profile.NewRepo(a.db, aead)
		a.Jobs = jobs.NewRepo(a.db)
		eventLog = events.NewPgLog(a.db)
	}

	a.Hub = events.NewHub(0)
	pubs := []events.Publisher{a.Hub}
	if cfg.RedisURL != "" {
		if a.redis, err = events.NewRedisPublisher(ctx, cfg.RedisURL, logger); err != nil {
			return nil, err
		}
		pubs = append(pubs, a.redis)
	}
	sink := events.NewSink(eventLog, logger, pubs...).WithClock(a.clock.Now)

	store, err := openArtifacts(ctx, cfg.Artifacts)
	if err != nil {
		return nil, err
	}
	site, err := session.LoadSite(cfg.Driver.SiteProfile)
	if err != nil {
		return nil, fmt.Errorf("site profile: %w", err)
	}

	codes := verify.NewManualCodes(a.clock.Now)
	mailbox := &verify.IMAPSource{Addr: cfg.Verify.IMAPAddr, Logger: logger}
	waiter := verify.NewWaiter(verify.Chain{codes, mailbox}, cfg.Verify.PollInterval, a.clock, logger)

	browser := opts.Browser
	if browser == nil {
		// no browser process starts until the first attempt opens a page
		a.chrome = session.NewChromeBrowser(context.Background(), cfg.Driver.Headless)
		browser = a.chrome
	}
	driver := session.NewDriver(site, browser, waiter, store, session.Config{
		StageTimeout:     cfg.Driver.StageTimeout,
		PollInterval:     cfg.Driver.PollInterval,
		MaxStageFailures: cfg.Driver.MaxStageFailures,
		VerifyTimeout:    cfg.Verify.Timeout,
	}, a.clock, logger)

	notifiers := notify.Multi{notify.Log{Logger: logger.Named("notify")}}
	if cfg.SMTP.Addr != "" {
		notifiers = append(notifiers, &notify.SMTP{
			Addr:     cfg.SMTP.Addr,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		})
	}

	a.Machine = machine.New(a.Jobs, a.Profiles, sink, driver, codes, machine.Config{
		OTPRetryDelay:   cfg.Scheduler.OTPRetryDelay,
		RecheckInterval: cfg.Scheduler.RecheckInterval,
		HoldWindow:      cfg.Scheduler.HoldWindow,
		Link:            site.BaseURL,
	}, machine.WithClock(a.clock), machine.WithLogger(logger), machine.WithNotifier(notifiers))

	a.Scheduler = scheduler.New(a.Machine, scheduler.Config{
		Tick:              cfg.Scheduler.Tick,
		MaxConcurrent:     cfg.Scheduler.MaxConcurrent,
		BackoffMultiplier: cfg.Scheduler.BackoffMultiplier,
		BackoffCeiling:    cfg.Scheduler.BackoffCeiling,
	}, a.clock, logger)
	return a, nil
}

func openArtifacts(ctx context.Context, cfg config.Artifacts) (artifact.Store, error) {
	switch cfg.Backend {
	case "minio":
		return artifact.NewMinio(ctx, artifact.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
	case "none":
		return artifact.Discard{}, nil
	default:
		return artifact.NewDir(cfg.Dir), nil
	}
}

// Ping reports whether the backing database answers.
func (a *App) Ping(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	return a.db.Ping(ctx)
}

// Run reconciles stored jobs with their logs, schedules the live ones and
// drives attempts until ctx ends.
func (a *App) Run(ctx context.Context) error {
	active, err := a.Machine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	now := a.clock.Now()
	for _, j := range active {
		a.Scheduler.Add(j.ID, now)
	}
	a.logger.Info("scheduler starting", zap.Int("jobs", len(active)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Scheduler.Run(gctx) })
	if a.redis != nil {
		g.Go(func() error { return a.redis.Forward(gctx, a.Hub) })
	}
	return g.Wait()
}

// Close releases everything Open acquired. Run must have returned.
func (a *App) Close() {
	if a.Machine != nil {
		a.Machine.Close()
	}
	if a.chrome != nil {
		a.chrome.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// Recommend classifies p as of now.
func (a *App) Recommend(p profile.Profile) classify.RecommendedService {
	return classify.Classify(p.ClassifierFlags(a.clock.Now()), p.LocationPreference)
}

type JobRequest struct {
	ProfileID string
	// Service overrides the recommended service when set.
	Service     classify.Tag
	Interval    time.Duration
	MaxAttempts int
	AutoBook    bool
}

var ErrInvalid = errors.New("invalid request")

// CreateJob stores a pending job with the profile's service and schedules
// its first attempt right away.
func (a *App) CreateJob(ctx context.Context, req JobRequest) (jobs.Job, error) {
	p, err := a.Profiles.Get(ctx, req.ProfileID)
	if err != nil {
		return jobs.Job{}, err
	}
	svc := a.Recommend(p)
	if req.Service != "" {
		if svc, err = classify.Override(req.Service, p.LocationPreference); err != nil {
			return jobs.Job{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	j, err := a.Machine.Create(ctx, machine.NewJob{
		ProfileID:   p.ID,
		Service:     svc,
		Interval:    req.Interval,
		MaxAttempts: req.MaxAttempts,
		AutoBook:    req.AutoBook,
	})
	if err != nil {
		if errors.Is(err, profile.ErrNotFound) {
			return jobs.Job{}, err
		}
		return jobs.Job{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	a.Scheduler.Add(j.ID, a.clock.Now())
	return j, nil
}

func (a *App) StopJob(ctx context.Context, id string) (jobs.Job, error) {
	j, err := a.Machine.Stop(ctx, id)
	if err != nil {
		return jobs.Job{}, err
	}
	a.Scheduler.Remove(id)
	return j, nil
}

// SubmitCode hands code to the job. A job waiting on verification is
// retried immediately.
func (a *App) SubmitCode(ctx context.Context, id, code string) (jobs.Job, error) {
	j, err := a.Machine.SubmitCode(ctx, id, code)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) || errors.Is(err, jobs.ErrTerminal) {
			return jobs.Job{}, err
		}
		return jobs.Job{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if j.Status == jobs.OTPWaiting {
		a.Scheduler.Add(id, a.clock.Now())
	}
	return j, nil
}
