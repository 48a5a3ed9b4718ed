package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/linluma/marketfeed/feed/server"
	"github.com/linluma/marketfeed/feed/session"
	"github.com/linluma/marketfeed/shared/config"
	"github.com/linluma/marketfeed/shared/logger"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "marketfeed: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	// .env is optional
	_ = godotenv.Load()

	flags, err := config.ParseFeedFlags(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return err
	}
	flags.Apply(cfg)
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	log, err := logger.New(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		MaxAge: cfg.Logging.MaxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	base := log.WithFields(logger.Fields{"service": server.ServiceName})
	mainLog := base.WithComponent("main")

	mainLog.WithFields(logger.Fields{
		"products":  cfg.Feed.Products,
		"origin":    cfg.Feed.Origin,
		"grpc_port": cfg.Server.GRPCPort,
		"http_port": cfg.Server.HTTPPort,
		"mock":      cfg.Mock.Force,
	}).Info("Starting market feed")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, err := session.New(*cfg, base, session.Deps{})
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	mainLog.Info(sess.Info())

	g, gctx := errgroup.WithContext(ctx)

	health := server.NewHealthServer(sess.Manager(), base)
	g.Go(func() error {
		return health.ListenAndServe(gctx, cfg.Server.GRPCPort)
	})

	api := server.NewAPI(sess, base)
	g.Go(func() error {
		return api.ListenAndServe(gctx, cfg.Server.HTTPPort)
	})

	if flags.Render > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(flags.Render)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					fmt.Println(renderStatus(sess.Manager().Health(), sess.Status()))
				}
			}
		})
	}

	err = g.Wait()
	mainLog.Info("Shutdown signal received, stopping market feed")
	return err
}
