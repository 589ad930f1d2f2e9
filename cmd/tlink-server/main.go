// Command tlink-server runs a tlink echo and relay server.
//
// Usage:
//
//	tlink-server [-config server.toml] [-addr :8443] [-plain] [-advertise]
//
// Without a configuration file the server listens on :8443 with a
// self-signed certificate for localhost and accepts both payload boxes.
// Sessions opened with the path "/relay" see each other's data; every other
// session gets its data echoed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tlink-protocol/tlink-go/internal/observability"
	"github.com/tlink-protocol/tlink-go/pkg/config"
)

func main() {
	configPath := flag.String("config", "", "TOML configuration file")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	plain := flag.Bool("plain", false, "Serve plain TCP without TLS")
	advertise := flag.Bool("advertise", false, "Announce the server via mDNS")
	protocolLog := flag.String("protocol-log", "", "Write the protocol log to this file")
	flag.Parse()

	logger := observability.InitLogger("tlink-server")

	cfg := config.DefaultServerConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadServerConfig(*configPath); err != nil {
			logger.Fatal().Err(err).Msg("load configuration")
		}
	}
	if *addr != "" {
		cfg.Address = *addr
	}
	if *plain {
		cfg.Plain = true
	}
	if *advertise {
		cfg.Advertise = true
	}
	if *protocolLog != "" {
		cfg.Log.Filename = *protocolLog
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	srv, err := newServer(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("create server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start server")
	}
	<-ctx.Done()

	logger.Info().Msg("shutting down")
	if err := srv.stop(); err != nil {
		logger.Warn().Err(err).Msg("stop")
	}
}
