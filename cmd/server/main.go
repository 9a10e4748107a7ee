package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/christmasforkids/cfk-sponsorship/internal/app"
	"github.com/christmasforkids/cfk-sponsorship/internal/backupclient"
	"github.com/christmasforkids/cfk-sponsorship/internal/config"
	"github.com/christmasforkids/cfk-sponsorship/internal/db"
	"github.com/christmasforkids/cfk-sponsorship/internal/jobs"
	"github.com/christmasforkids/cfk-sponsorship/internal/logging"
	"github.com/christmasforkids/cfk-sponsorship/internal/notify"
	"github.com/christmasforkids/cfk-sponsorship/internal/observability"
	"github.com/christmasforkids/cfk-sponsorship/internal/roster"
	"github.com/christmasforkids/cfk-sponsorship/internal/sponsorship"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println(".env not loaded, using process environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	lg, err := logging.Init(cfg.LogLevel, cfg.Env, cfg.Release)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer lg.Closer()
	logger := lg.Base

	flush, err := observability.InitSentry(cfg.SentryDSN, cfg.Env, cfg.Release)
	if err != nil {
		logger.Warn("sentry init failed", zap.Error(err))
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db open", zap.Error(err))
	}
	defer func() { _ = database.Close() }()

	if err := db.Migrate(ctx, database); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}
	logMigration(ctx, database, logger)
	repo := db.NewPGRepo(database)

	notifier, err := buildNotifier(ctx, cfg, lg)
	if err != nil {
		logger.Fatal("notifier", zap.Error(err))
	}

	mgr := sponsorship.NewManager(repo, notifier, lg.Component("sponsorship"),
		sponsorship.WithReservationTimeout(cfg.ReservationTimeout))

	limiter, closeLimiter := buildLimiter(ctx, cfg, logger)
	defer closeLimiter()

	auth, err := app.NewAuth(cfg.AdminJWTSecret)
	if err != nil {
		logger.Fatal("auth", zap.Error(err))
	}

	srv := app.NewServer(app.Deps{
		Manager:        mgr,
		Catalog:        repo,
		Auth:           auth,
		Limiter:        limiter,
		Importer:       roster.NewImporter(database, lg.Component("roster")),
		Backup:         backupclient.New(cfg.BackupURL, lg.Component("backup")),
		Log:            lg.Component("http"),
		Location:       cfg.Location,
		TrustedProxies: cfg.TrustedProxies,
	})

	runner := jobs.New(ctx, lg.Component("jobs"))
	runner.Every(cfg.SweepInterval, jobs.ExpireReservationsJob, jobs.ExpireReservations(mgr, logger))

	logger.Info("starting",
		zap.String("env", cfg.Env),
		zap.Duration("reservation_timeout", cfg.ReservationTimeout),
		zap.Duration("sweep_interval", cfg.SweepInterval),
		zap.Stringer("tz", cfg.Location))
	hs := app.StartHTTP(ctx, cfg.HTTPAddr, srv.Handler(), logger)

	<-ctx.Done()
	logger.Info("shutting down")
	<-hs.Done()
	runner.Wait()
	waitNotifications(mgr, 10*time.Second, logger)
	logger.Info("stopped")
}

func buildNotifier(ctx context.Context, cfg *config.Config, lg *logging.Log) (sponsorship.Notifier, error) {
	multi := notify.NewMulti(lg.Component("notify"))

	email, err := notify.NewEmailNotifier(ctx, notify.EmailConfig{
		Region:     cfg.SESRegion,
		FromEmail:  cfg.SESFromEmail,
		FromName:   cfg.SESFromName,
		AdminEmail: cfg.AdminEmail,
		AppBaseURL: cfg.AppBaseURL,
	}, lg.Component("email"))
	if err != nil {
		return nil, err
	}
	if email.Enabled() {
		multi.Add("email", email)
	}

	tgn, err := notify.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramAdminChatIDs)
	if err != nil {
		return nil, err
	}
	if tgn != nil {
		multi.Add("telegram", tgn)
	}

	if multi.Len() == 0 {
		lg.Base.Warn("no notification channel configured")
		return notify.Nop{}, nil
	}
	return multi, nil
}

func buildLimiter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (app.Limiter, func()) {
	if cfg.RateLimitPerMinute <= 0 {
		return nil, func() {}
	}
	if cfg.RedisURL != "" {
		client, err := app.OpenRedis(ctx, cfg.RedisURL)
		if err == nil {
			logger.Info("rate limiter: redis", zap.Int("per_minute", cfg.RateLimitPerMinute))
			return app.NewRedisLimiter(client, cfg.RateLimitPerMinute, time.Minute), func() { _ = client.Close() }
		}
		logger.Warn("redis unavailable, limiting in memory", zap.Error(err))
	}
	return app.NewMemoryLimiter(cfg.RateLimitPerMinute, time.Minute), func() {}
}

func waitNotifications(mgr *sponsorship.Manager, limit time.Duration, logger *zap.Logger) {
	done := make(chan struct{})
	go func() {
		mgr.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(limit):
		logger.Warn("gave up waiting for notifications", zap.Duration("after", limit))
	}
}

func logMigration(ctx context.Context, database *sql.DB, logger *zap.Logger) {
	v, err := db.MigrationVersion(ctx, database)
	if err != nil {
		logger.Warn("schema version unknown", zap.Error(err))
		return
	}
	logger.Info("schema migrated", zap.Int64("version", v))
}
