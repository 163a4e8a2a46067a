// Command gift-service запускает сервис отложенной отправки подарочных карт.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/giftsched/internal/app"
	"github.com/vladislavdragonenkov/giftsched/internal/version"
)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(level string, environment string) {
	if environment == "prod" || environment == "production" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	parsed, err := log.ParseLevel(level)
	if err != nil {
		log.WithField("level", level).Warn("unknown log level, falling back to info")
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(version.Current())
		return
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	setupLogger(cfg.LogLevel, cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	build := version.Current()
	log.WithFields(log.Fields{
		"grpc_addr":      cfg.GRPCAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"storage_driver": cfg.StorageDriver,
		"redis":          cfg.RedisAddr != "",
		"kafka":          cfg.KafkaBrokers != "",
		"version":        build.Version,
		"commit":         build.Commit,
		"built":          build.Date,
	}).Info("запускаем gift-service")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("gift-service остановлен")
}
