// Command chrome-interop is a WebRTC receive endpoint for checking REMB
// against Chrome. Chrome sends video, the server answers with REMB from the
// remote bitrate estimator and the page shows the estimate live.
//
// Usage:
//
//	chrome-interop --addr :8080
//	chrome-interop --config interop.yaml --dev
//
// Then open chrome://webrtc-internals and http://localhost:8080, click
// "Start Call" and look for the REMB-driven availableOutgoingBitrate in the
// outbound-rtp and candidate-pair stats.
package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/thesyncim/rbe/cmd/chrome-interop/server"
	"github.com/thesyncim/rbe/pkg/logger"
)

func main() {
	app := &cli.App{
		Name:  "chrome-interop",
		Usage: "receive video from Chrome and answer with REMB",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "listen address, overrides the config file",
				EnvVars: []string{"RBE_INTEROP_ADDR"},
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "server config `FILE` in YAML",
				EnvVars: []string{"RBE_INTEROP_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "include-loopback",
				Usage: "offer loopback ICE candidates",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
			},
			&cli.BoolFlag{
				Name:  "dev",
				Usage: "console log format",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads path on top of the defaults. An empty path returns the
// defaults listening on :8080.
func loadConfig(path string) (server.Config, error) {
	cfg := server.DefaultConfig()
	cfg.Addr = ":8080"
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("could not parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func run(c *cli.Context) error {
	var (
		log *zap.Logger
		err error
	)
	if c.Bool("dev") {
		log, err = logger.NewDevelopment(c.String("log-level"))
	} else {
		log, err = logger.NewProduction(c.String("log-level"))
	}
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("addr") {
		cfg.Addr = c.String("addr")
	}
	if c.IsSet("include-loopback") {
		cfg.IncludeLoopback = c.Bool("include-loopback")
	}

	srv, err := server.NewServer(cfg, log)
	if err != nil {
		return err
	}
	addr, err := srv.Start()
	if err != nil {
		return err
	}
	log.Info("server ready",
		zap.String("addr", addr),
		zap.Duration("rembInterval", cfg.REMBInterval),
		zap.String("mode", cfg.Estimator.Mode.String()),
	)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
