package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/urfave/cli.v1"

	"github.com/stellar-lumens/lumens-supply/pkg/cache"
	"github.com/stellar-lumens/lumens-supply/pkg/config"
	"github.com/stellar-lumens/lumens-supply/pkg/horizon"
	"github.com/stellar-lumens/lumens-supply/pkg/httpserver"
	"github.com/stellar-lumens/lumens-supply/pkg/logging"
	"github.com/stellar-lumens/lumens-supply/pkg/refresh"
	"github.com/stellar-lumens/lumens-supply/pkg/registry"
	"github.com/stellar-lumens/lumens-supply/pkg/supply"
)

var (
	GitTag    = "dev"
	GitCommit = "unknown"
)

var (
	configFlag = cli.StringFlag{
		Name:   "config",
		Value:  "configs/config.yaml",
		Usage:  "YAML configuration file",
		EnvVar: "LUMENS_CONFIG",
	}
	addrFlag = cli.StringFlag{
		Name:  "addr",
		Usage: "HTTP listen address (overrides config)",
	}
	horizonFlag = cli.StringFlag{
		Name:  "horizon",
		Usage: "Horizon base URL (overrides config)",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = filepath.Base(os.Args[0])
	app.Usage = "serve Stellar lumen supply figures"
	app.Version = fmt.Sprintf("%s (%s)", GitTag, GitCommit)
	app.Flags = []cli.Flag{configFlag, addrFlag, horizonFlag}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	if args := ctx.Args(); len(args) > 0 {
		return fmt.Errorf("invalid command: %q", args[0])
	}

	cfg, err := config.Load(ctx.String(configFlag.Name))
	if err != nil {
		return err
	}
	if v := ctx.String(addrFlag.Name); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := ctx.String(horizonFlag.Name); v != "" {
		cfg.Horizon.URL = v
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid config")
	}

	log, logCloser, err := logging.New(cfg.Log, os.Stdout)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	log.Info().Str("git_tag", GitTag).Str("git_commit", GitCommit).Msg("starting lumens supply")

	reg := registry.Default()
	if cfg.RegistryPath != "" {
		if reg, err = registry.Load(cfg.RegistryPath); err != nil {
			return err
		}
	}

	store, storeCloser, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer storeCloser.Close()

	snaps := cache.NewSnapshotCache(store, log)
	if _, err := snaps.Restore(); err != nil && !errors.Is(err, cache.ErrMiss) {
		log.Warn().Err(err).Msg("could not restore persisted snapshot")
	}

	client := horizon.NewClient(cfg.Horizon.URL, &http.Client{Timeout: cfg.Horizon.Timeout}, log)
	agg := supply.NewAggregator(client, reg, log)

	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ref := refresh.New(agg, snaps, refresh.Options{
		Schedule: cfg.Refresh.Schedule,
		Timeout:  cfg.Refresh.Timeout,
	}, log)
	if err := ref.Start(rootCtx); err != nil {
		return err
	}
	defer ref.Stop()

	srv := httpserver.New(httpserver.Config{
		Snapshots:   snaps,
		RatePerMin:  cfg.HTTP.RatePerMin,
		Burst:       cfg.HTTP.Burst,
		CORSOrigins: cfg.HTTP.CORSOrigins,
		GitTag:      GitTag,
		GitCommit:   GitCommit,
	}, log)
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Str("horizon", client.Endpoint()).Msg("lumens supply API listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "http server")
		}
	case <-rootCtx.Done():
		log.Info().Msg("shutting down")
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	return httpSrv.Shutdown(shutdownCtx)
}

func openStore(cfg *config.Config, log zerolog.Logger) (cache.Store, io.Closer, error) {
	if cfg.Cache.Backend != "badger" {
		return cache.NewMemoryStore(), nopCloser{}, nil
	}
	if err := os.MkdirAll(cfg.Cache.Dir, 0o755); err != nil {
		return nil, nil, errors.Wrap(err, "create cache dir")
	}
	b, err := cache.OpenBadger(cfg.Cache.Dir, log)
	if err != nil {
		return nil, nil, err
	}
	return b, b, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
