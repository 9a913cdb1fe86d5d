package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/AbdoulayeXYZ/karangue221-sub000/internal/fleet"
	"github.com/AbdoulayeXYZ/karangue221-sub000/internal/stream/client"
	"github.com/AbdoulayeXYZ/karangue221-sub000/internal/web/monitoring"
)

func main() {
	configPath := flag.String("config", "", "optional config file")
	pretty := flag.Bool("pretty", false, "human readable log output")
	flag.Parse()

	if *pretty {
		zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	cfg, err := fleet.LoadConfig(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("unable to load config")
	}

	manager, err := fleet.NewManager(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("unable to build manager")
	}
	defer manager.Close()

	manager.OnStateChange(func(sc client.StateChange) {
		zlog.Info().Str("from", sc.From.String()).Str("to", sc.To.String()).
			Int("attempt", sc.Attempt).Msg("connection state")
	})

	// the dashboard wants everything; page-level consumers narrow via
	// their own listeners
	manager.Subscribe(client.SubAll)
	manager.Connect()

	if cfg.MonitorAddr != "" {
		mon := monitoring.NewMonApi(manager, &monitoring.MonitoringConfig{ListenAddr: cfg.MonitorAddr})
		go func() {
			if err := mon.Run(); err != nil {
				zlog.Error().Err(err).Msg("monitoring endpoint stopped")
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	zlog.Info().Msg("shutting down")
	manager.Disconnect()
}
