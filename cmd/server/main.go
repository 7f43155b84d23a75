package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"chaitrack/backend/internal/cache"
	"chaitrack/backend/internal/config"
	"chaitrack/backend/internal/dataaccess"
	"chaitrack/backend/internal/httpapi"
	"chaitrack/backend/internal/logging"
	"chaitrack/backend/internal/metrics"
	"chaitrack/backend/internal/notify"
	"chaitrack/backend/internal/seed"
	"chaitrack/backend/internal/service"
	"chaitrack/backend/internal/session"
	"chaitrack/backend/internal/store"
	"chaitrack/backend/internal/store/hosted"
	"chaitrack/backend/internal/store/memory"
	pgstore "chaitrack/backend/internal/store/postgres"
	"chaitrack/backend/internal/task"
)

func main() {
	cfg := config.Load()
	root := logging.New(cfg.LogLevel, cfg.LogPretty)
	log := logging.For(root, "server")

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid security configuration")
	}
	loc, err := cfg.Location()
	if err != nil {
		log.Fatal().Err(err).Str("timezone", cfg.AppTimezone).Msg("invalid APP_TIMEZONE")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		repo     store.Repository
		accounts store.AccountStore
		sessions session.Provider
		bus      notify.Bus
	)
	closers := make([]func() error, 0, 2)

	switch {
	case cfg.Hosted():
		client := hosted.NewClient(cfg.BackendURL, cfg.BackendAPIKey)
		repo = hosted.NewWithClient(client)
		sessions = session.NewHosted(client, cfg.ResetRedirectURL)
		log.Info().Str("backend", cfg.BackendURL).Msg("repository: hosted")
	case cfg.DatabaseURL != "":
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		if err := pg.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("postgres migration failed")
		}
		repo, accounts = pg, pg
		closers = append(closers, pg.Close)
		bus = notify.NewPostgresListener(cfg.DatabaseURL, logging.For(root, "notify"))
		log.Info().Msg("repository: postgres")
	default:
		mem := memory.New()
		repo, accounts = mem, mem
		if cfg.SeedFixtures != "" {
			fixture, err := seed.Load(cfg.SeedFixtures)
			if err != nil {
				log.Fatal().Err(err).Msg("load seed fixtures")
			}
			sum, err := fixture.Apply(ctx, mem, mem, 0)
			if err != nil {
				log.Fatal().Err(err).Msg("apply seed fixtures")
			}
			log.Info().
				Int("accounts", sum.Accounts).
				Int("customers", sum.Customers).
				Int("sales", sum.Sales).
				Int("deliveries", sum.Deliveries).
				Msg("seed fixtures applied")
		}
		log.Info().Msg("repository: in-memory")
	}

	snapshots := cache.SnapshotCache(cache.NoopSnapshotCache{})
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisCache := cache.NewRedisSnapshotCache(client)
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("redis unavailable, using noop snapshot cache")
			_ = client.Close()
		} else {
			snapshots = redisCache
			closers = append(closers, client.Close)
			if bus == nil {
				bus = notify.NewRedisBus(client, logging.For(root, "notify"))
				log.Info().Msg("change bus: redis")
			}
			log.Info().Msg("snapshot cache: redis")
		}
	}
	if bus == nil {
		bus = notify.NewLocal()
		log.Info().Msg("change bus: in-process")
	}

	if sessions == nil {
		var sender session.RecoverySender = session.LogSender{Log: logging.For(root, "recovery")}
		if cfg.TwilioEnabled() {
			sender = session.NewTwilioSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioPhoneNumber, sender, logging.For(root, "recovery"))
			log.Info().Msg("recovery links: twilio sms")
		}
		sessions = session.NewLocal(accounts, sender, session.LocalConfig{
			Secret:           cfg.AuthSecret,
			AccessTTL:        cfg.AccessTTL(),
			RecoveryTTL:      cfg.RecoveryTTL(),
			ResetRedirectURL: cfg.ResetRedirectURL,
		})
	}
	hub := session.NewHub()
	sessions = session.Observe(sessions, hub)

	recorder := metrics.New()
	data := dataaccess.New(repo, bus,
		dataaccess.WithLocation(loc),
		dataaccess.WithDefaultPrice(cfg.DefaultPricePerCup),
		dataaccess.WithLogger(logging.For(root, "dataaccess")),
		dataaccess.WithMetrics(recorder),
		dataaccess.WithSnapshotCache(snapshots, cfg.SnapshotTTL()),
	)
	if restored, err := data.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("snapshot restore failed")
	} else if restored {
		log.Info().Msg("cache warmed from snapshot")
	}
	if err := data.LoadAll(ctx); err != nil {
		log.Warn().Err(err).Msg("initial load incomplete")
	}

	background, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	if err := data.Start(background); err != nil {
		log.Warn().Err(err).Msg("change subscription unavailable; relying on reconciliation")
	}
	unwatch := hub.OnChange(authWatcher(background, data, logging.For(root, "auth")))
	defer unwatch()

	var reconciler *task.Reconciler
	if cfg.ReconcileSchedule != "" {
		reconciler, err = task.NewReconciler(data, cfg.ReconcileSchedule, logging.For(root, "reconcile"))
		if err != nil {
			log.Fatal().Err(err).Msg("invalid RECONCILE_SCHEDULE")
		}
		reconciler.Start()
	}

	svc := service.New(sessions, repo, data, logging.For(root, "service"))
	api, err := httpapi.New(svc, recorder, logging.For(root, "http"), cfg.AllowedOrigin)
	if err != nil {
		log.Fatal().Err(err).Msg("http api setup failed")
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Address()).Msg("chai tracker backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	if reconciler != nil {
		reconciler.Stop(shutdownCtx)
	}
	if err := data.Close(); err != nil {
		log.Error().Err(err).Msg("data layer close error")
	}
	if err := data.Persist(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("snapshot not saved")
	}
	stopBackground()
	if err := bus.Close(); err != nil {
		log.Error().Err(err).Msg("change bus close error")
	}
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Error().Err(err).Msg("close error")
		}
	}

	log.Info().Msg("server stopped")
}

// authWatcher logs auth state changes and loads the collections on the
// first sign-in after a failed startup load.
func authWatcher(ctx context.Context, data *dataaccess.Layer, log zerolog.Logger) func(session.ChangeEvent) {
	return func(ev session.ChangeEvent) {
		log.Info().Str(logging.UserID, ev.UserID).Str("event", string(ev.Kind)).Msg("auth state changed")
		if ev.Kind != session.SignedIn || data.Ready() || data.Loading() {
			return
		}
		go func() {
			loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := data.LoadAll(loadCtx); err != nil {
				log.Warn().Err(err).Msg("load after sign-in incomplete")
			}
		}()
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if cfg.Hosted() {
		if cfg.BackendAPIKey == "" {
			return fmt.Errorf("BACKEND_API_KEY must be set when BACKEND_URL is used")
		}
	} else if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.SeedFixtures != "" && (cfg.Hosted() || cfg.DatabaseURL != "") {
		return fmt.Errorf("SEED_FIXTURES only applies to the in-memory store")
	}
	twilioSet := 0
	for _, v := range []string{cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioPhoneNumber} {
		if v != "" {
			twilioSet++
		}
	}
	if twilioSet != 0 && twilioSet != 3 {
		return fmt.Errorf("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_PHONE_NUMBER must be set together")
	}
	if err := validateRedirectURL(cfg.ResetRedirectURL); err != nil {
		return fmt.Errorf("RESET_REDIRECT_URL: %w", err)
	}
	return nil
}

// validateRedirectURL requires an absolute http(s) URL without a fragment,
// since recovery links carry the token in the fragment.
func validateRedirectURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	if u.Fragment != "" {
		return fmt.Errorf("fragment not allowed")
	}
	return nil
}
