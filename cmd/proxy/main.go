// Command proxy runs the local caching proxy for read-mostly reference APIs.
//
// Subcommands:
//
//	serve  start the proxy server (the default when none is given)
//	key    print the proxy access key and exit
//
// Configuration is environment-driven (optionally via a .env file in the
// working directory); see internal/config for the recognized variables.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-api-proxy/internal/config"
	"github.com/tbourn/go-api-proxy/internal/observability"
	"github.com/tbourn/go-api-proxy/internal/proxy"
	"github.com/tbourn/go-api-proxy/internal/sysutil"
)

func main() {
	root := &cobra.Command{
		Use:     "proxy",
		Short:   "Local caching proxy for read-mostly reference APIs",
		Version: observability.Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "key",
		Short: "Print the proxy access key and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p, err := proxy.New(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = p.Stop(context.Background()) }()
			key := p.SecureKey()
			if key == "" {
				return fmt.Errorf("security is disabled; no key configured")
			}
			fmt.Println(key)
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
}

// loadConfig reads .env (when present), the environment, and wires logging.
func loadConfig() (config.Config, error) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}

	sysutil.SetLogLevel(cfg.LogLevel)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return cfg, nil
}

// runServe starts the proxy and blocks until SIGINT/SIGTERM.
func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, observability.Version)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		if err := shutdownOTel(ctx); err != nil {
			log.Error().Err(err).Msg("tracing shutdown")
		}
	}()

	p, err := proxy.New(cfg)
	if err != nil {
		return err
	}

	if key := p.SecureKey(); key != "" {
		log.Info().Str("secure_key", key).Msg("proxy access key (send as X-API-Buddy-Key)")
	}
	for alias, m := range cfg.Domains {
		log.Info().
			Str("alias", alias).
			Str("upstream", m.Upstream).
			Int("ttl_seconds", cfg.EffectiveTTL(alias)).
			Msg("domain mapping")
	}

	if err := p.Start(false); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return p.Stop(shutdownCtx)
}
