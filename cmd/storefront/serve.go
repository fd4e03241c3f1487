package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/btt-go/btt-storefront/catalog"
	"github.com/btt-go/btt-storefront/featureflag"
	"github.com/btt-go/btt-storefront/internal/attributes"
	"github.com/btt-go/btt-storefront/internal/config"
	"github.com/btt-go/btt-storefront/internal/flagsync"
	"github.com/btt-go/btt-storefront/internal/gateway"
	"github.com/btt-go/btt-storefront/internal/metrics"
	"github.com/btt-go/btt-storefront/internal/storefront"
)

const catalogFetchTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the storefront",
		Long: `Starts the HTTP server. Pages answer 503 until the configured datafile
version is available in Redis, up to flags.ready_timeout; if it never
arrives the process exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a.cfg, a.logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	rdb := newRedis(cfg.Redis)
	defer rdb.Close()

	m := metrics.New()

	var syncer *flagsync.Syncer
	if cfg.Flags.Datafile != "" {
		syncer = flagsync.New(cfg.Flags.Datafile, cfg.Flags.Version,
			featureflag.NewPublisher(rdb, cfg.Flags.Version),
			flagsync.WithLogger(logger.Named("flagsync")))
		if _, err := syncer.Sync(ctx); err != nil {
			return fmt.Errorf("publish datafile: %w", err)
		}
	}

	gw := &gateway.Gateway{
		Redis:        rdb,
		Version:      cfg.Flags.Version,
		ReadyTimeout: cfg.Flags.ReadyTimeout,
		PollInterval: cfg.Flags.PollInterval,
		EventBuffer:  cfg.Flags.EventBuffer,
		Logger:       logger.Named("gateway"),
		Metrics:      m,
	}
	defer gw.Close()

	srv := storefront.New(storefront.Options{
		Source:         catalogSource(cfg.Catalog),
		ImagesDir:      cfg.Catalog.ImagesDir,
		PurchaseURL:    cfg.Storefront.PurchaseURL,
		DefaultWelcome: cfg.Storefront.DefaultWelcome,
		Collector: attributes.Collector{
			CookieName:   cfg.Storefront.CookieName,
			DeviceHeader: cfg.Storefront.DeviceHeader,
			QueryParam:   cfg.Storefront.QueryParam,
		},
		Events:  gw,
		Metrics: m,
		Logger:  logger.Named("storefront"),
	})

	httpSrv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return httpSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		err := srv.Initialize(ctx, gw.Initialize)
		if err != nil && ctx.Err() != nil {
			// shutdown arrived before the datafile
			return nil
		}
		return err
	})

	if syncer != nil && cfg.Flags.WatchDatafile {
		g.Go(func() error {
			return syncer.Run(ctx)
		})
	}

	return g.Wait()
}

func catalogSource(cfg config.CatalogConfig) catalog.Source {
	if cfg.URL != "" {
		return catalog.HTTPSource{
			URL:    cfg.URL,
			Client: &http.Client{Timeout: catalogFetchTimeout},
		}
	}
	return catalog.FileSource{Path: cfg.Path}
}
