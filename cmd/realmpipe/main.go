package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/realmpipe/internal/config"
	"github.com/danmuck/realmpipe/internal/logging"
	"github.com/danmuck/realmpipe/internal/proxy"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "realmpipe.toml", "path to realmpipe.toml")
	validate := flag.Bool("validate", false, "validate the config file and exit")
	flag.Parse()

	logging.ConfigureRuntime()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svcCfg, err := loadServiceConfig(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "realmpipe: %v\n", err)
		stop()
		os.Exit(1)
	}
	if *validate {
		log.Info().Str("path", *configPath).Msg("config valid")
		return
	}

	svc, err := proxy.NewService(svcCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build proxy")
	}

	if err := svc.Run(ctx); err != nil {
		log.Error().Err(err).Msg("proxy stopped")
		stop()
		os.Exit(1)
	}
	log.Info().Msg("proxy stopped")
}

func loadServiceConfig(ctx context.Context, path string) (proxy.ServiceConfig, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return proxy.ServiceConfig{}, err
	}
	return cfg.ServiceConfig(ctx)
}
