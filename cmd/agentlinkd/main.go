package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dialwire/agentlink/internal/config"
	"github.com/dialwire/agentlink/internal/control"
	"github.com/dialwire/agentlink/internal/simstack"
	"github.com/dialwire/agentlink/pkg/softphone"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Str("service", "agentlinkd").
		Logger()

	logger.Info().Str("backend", cfg.BaseURL()).Str("extension", cfg.Extension).Msg("starting agentlink daemon")

	stack := simstack.New(simstack.Options{}, logger)

	var api *control.API
	phone, err := softphone.New(softphone.Config{
		Host:                  cfg.Host,
		Port:                  cfg.Port,
		UseTLS:                cfg.UseTLS,
		Extension:             cfg.Extension,
		Password:              cfg.Password,
		HeartbeatInterval:     cfg.HeartbeatInterval,
		LoginPollInterval:     cfg.LoginPollInterval,
		LoginTimeout:          cfg.LoginTimeout,
		ReconnectDelay:        cfg.ReconnectDelay,
		MaxReconnectAttempts:  cfg.MaxReconnectAttempts,
		TokenRefreshThreshold: cfg.TokenRefreshThreshold,
		SampleInterval:        cfg.SampleInterval,
		Logger:                logger,
		Listener: func(ev softphone.Event) {
			logger.Debug().Str("event", string(ev.Kind)).Interface("payload", ev.Payload).Msg("softphone event")
			if api != nil {
				api.Record(ev)
			}
		},
	}, stack)
	if err != nil {
		logger.Fatal().Err(err).Msg("softphone setup failed")
	}
	stack.Bind(phone)

	api = control.NewAPI(phone, stack, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		addr := fmt.Sprintf(":%s", cfg.ControlPort)
		if err := api.Start(ctx, addr, cfg.AllowedOrigins); err != nil {
			logger.Error().Err(err).Msg("control API stopped")
		}
	}()

	regCtx, regCancel := context.WithTimeout(ctx, cfg.LoginTimeout+5*time.Second)
	addr, err := phone.Register(regCtx)
	regCancel()
	if err != nil {
		logger.Error().Err(err).Msg("registration failed, control API stays up for manual reconnect")
	} else {
		logger.Info().Str("host", addr.Host).Str("port", addr.Port).Bool("ssl", addr.SSL).Msg("registered")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down agentlink daemon")
	if err := phone.Logout(); err != nil {
		logger.Warn().Err(err).Msg("logout failed")
	}
	cancel()
	time.Sleep(1 * time.Second)
}
