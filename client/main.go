package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linluma/marketfeed/shared/config"
	"github.com/linluma/marketfeed/shared/logger"
)

func main() {
	cfg, err := config.ParseClientFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	log, err := logger.New(logger.Options{Level: "info", Format: "text", Output: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	entry := log.WithComponent("client")

	entry.WithFields(logger.Fields{
		"server":   cfg.ServerAddress,
		"service":  cfg.Service,
		"duration": cfg.Duration.String(),
	}).Info("Watching market feed status")

	if err := watch(cfg, entry); err != nil {
		entry.WithError(err).Fatal("Status watch failed")
	}
}

// watch prints every status change until the duration elapses, an
// interrupt arrives or the daemon goes away. A zero duration runs forever.
func watch(cfg *config.ClientConfig, log *logger.Entry) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	client := NewStatusClient(cfg.ServerAddress, log)
	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Close()

	updates, err := client.Watch(ctx, cfg.Service)
	if err != nil {
		return err
	}
	for resp := range updates {
		fmt.Println(FormatStatus(time.Now(), cfg.Service, resp))
	}
	return nil
}
