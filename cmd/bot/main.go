// Command bot runs the sourcing-request bot: Telegram long polling, the
// background analytics refresher and the ops HTTP surface.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/go-sourcing-bot/internal/bot"
	"github.com/tbourn/go-sourcing-bot/internal/config"
	httpapi "github.com/tbourn/go-sourcing-bot/internal/http"
	"github.com/tbourn/go-sourcing-bot/internal/http/handlers"
	"github.com/tbourn/go-sourcing-bot/internal/observability"
	"github.com/tbourn/go-sourcing-bot/internal/repo"
	"github.com/tbourn/go-sourcing-bot/internal/services"
	"github.com/tbourn/go-sourcing-bot/internal/sysutil"
	"github.com/tbourn/go-sourcing-bot/internal/telegram"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	_ = godotenv.Load()
	cfg := config.MustLoad()
	sysutil.SetupLogger(cfg.LogLevel, cfg.LogPretty, cfg.OTEL.ServiceName, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("bot stopped")
	}
	log.Info().Msg("bot stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()

	for _, dir := range []string{cfg.PhotosDir, cfg.TmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	attachments := &services.AttachmentStore{DB: db}
	if cfg.Minio.Enabled() {
		blobs, err := services.NewMinioBlobs(ctx, cfg.Minio.Endpoint, cfg.Minio.AccessKey, cfg.Minio.SecretKey, cfg.Minio.Bucket, cfg.Minio.UseSSL)
		if err != nil {
			return err
		}
		attachments.Blobs = blobs
		log.Info().Str("bucket", cfg.Minio.Bucket).Msg("attachments: object storage enabled")
	}

	client, err := telegram.New(cfg.Telegram.Token, telegram.Options{
		Timeout:    cfg.Telegram.Timeout,
		RPS:        cfg.Telegram.RPS,
		MaxRetries: cfg.Telegram.MaxRetries,
		PhotoCDN:   cfg.PhotoCDN,
	})
	if err != nil {
		return err
	}

	orders := services.NewOrderService(db, services.NewLinkValidator(cfg.ProductDomain), attachments)
	admins := services.NewAdminDirectory(db, cfg.Admins)
	macros := &services.MacroService{DB: db}
	keywords := &services.KeywordService{DB: db}
	notifier := &services.Notifier{Sender: bot.NotifySender{Transport: client}, Concurrency: cfg.NotifyConcurrency}
	refresher := &services.Refresher{Analytics: &services.Analytics{DB: db}, Interval: cfg.AnalyticsInterval}

	if err := seed(ctx, admins, macros, keywords, attachments); err != nil {
		return err
	}

	sessions := bot.NewSessionStore(cfg.SessionTTL)
	engine := &bot.Engine{
		Transport:  client,
		Sessions:   sessions,
		Orders:     orders,
		Users:      &services.UserService{DB: db},
		Admins:     admins,
		Macros:     macros,
		Keywords:   keywords,
		Reconciler: &services.Reconciler{DB: db, Orders: orders, Notifier: notifier},
		Exporter: &services.Exporter{
			DB:           db,
			Attachments:  attachments,
			Keywords:     keywords,
			TmpDir:       cfg.TmpDir,
			PhotoCDNBase: cfg.PhotoCDN,
		},
		Notifier:  notifier,
		Analytics: refresher,
		PhotosDir: cfg.PhotosDir,
		TmpDir:    cfg.TmpDir,
	}
	poller := &telegram.Poller{
		Client:      client,
		Handler:     engine,
		DB:          db,
		DedupTTL:    24 * time.Hour,
		PollTimeout: cfg.Telegram.PollTimeout,
		Drain:       30 * time.Second,
	}

	srv := httpapi.NewServer(cfg, &handlers.Handler{
		DB:        db,
		Orders:    orders,
		Analytics: refresher,
		Sessions:  sessions,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { refresher.Run(gctx); return nil })
	g.Go(func() error { sessions.RunJanitor(gctx, time.Minute); return nil })
	g.Go(func() error { poller.PurgeLoop(gctx, time.Hour); return nil })
	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("ops http: listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func openDB(cfg config.Config) (*gorm.DB, error) {
	db, err := repo.Open(cfg.DBDriver, cfg.DBPath, cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	if err := repo.UseTracing(db); err != nil {
		return nil, err
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, err
	}
	log.Info().Str("driver", cfg.DBDriver).Msg("database ready")
	return db, nil
}

// seed installs the default admins, macros and keywords and re-persists
// attachments left behind by an interrupted run.
func seed(ctx context.Context, admins *services.AdminDirectory, macros *services.MacroService, keywords *services.KeywordService, attachments *services.AttachmentStore) error {
	ids, err := admins.Refresh(ctx)
	if err != nil {
		return err
	}
	m, err := macros.SeedDefaults(ctx)
	if err != nil {
		return err
	}
	k, err := keywords.SeedDefaults(ctx)
	if err != nil {
		return err
	}
	n, err := attachments.PersistAll(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("attachments: startup persist incomplete")
	}
	log.Info().
		Int("admins", len(ids)).
		Int("macros_seeded", m).
		Int("keywords_seeded", k).
		Int("orders_persisted", n).
		Msg("startup seeding done")
	return nil
}
