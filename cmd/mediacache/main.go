// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/azure/mediacache/internal/config"
	"github.com/azure/mediacache/internal/handlers"
	imath "github.com/azure/mediacache/internal/math"
	"github.com/azure/mediacache/internal/mediacache"
	"github.com/azure/mediacache/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

func main() {
	args := &Arguments{}
	arg.MustParse(args)

	ll, err := zerolog.ParseLevel(args.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %s\n", args.LogLevel)
		os.Exit(1)
	}

	zerolog.SetGlobalLevel(ll)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	l := zerolog.New(os.Stdout).With().Timestamp().Str("version", version).Logger()
	ctx := l.WithContext(context.Background())

	err = run(ctx, args)
	if err != nil {
		l.Error().Err(err).Msg("mediacache error")
		os.Exit(1)
	}

	l.Info().Msg("shutdown")
}

func run(ctx context.Context, args *Arguments) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM, os.Interrupt)
	defer cancel()

	if args.Version {
		zerolog.Ctx(ctx).Info().Msg("version") // version field is already added to the logger
		return nil
	}

	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	switch {
	case args.Server != nil:
		return serverCommand(ctx, cfg, args.Server)
	case args.Warm != nil:
		return warmCommand(ctx, cfg, args.Warm)
	case args.Evict != nil:
		return evictCommand(ctx, cfg)
	case args.Config != nil:
		return cfg.Write(os.Stdout)
	default:
		return fmt.Errorf("unknown subcommand")
	}
}

// loadConfig reads the configuration file and applies the command line overrides.
func loadConfig(args *Arguments) (*config.Config, error) {
	cfg, err := config.Load(afero.NewOsFs(), args.ConfigPath)
	if err != nil {
		return nil, err
	}

	if args.CacheDir != "" {
		cfg.CacheDir = args.CacheDir
	}
	if args.CachePolicy != "" {
		cfg.CachePolicy = args.CachePolicy
	}
	if args.CacheLimit > 0 {
		cfg.CacheLimit = args.CacheLimit
	}
	if args.Server != nil && args.Server.PrefetchWorkers != nil {
		cfg.PrefetchWorkers = *args.Server.PrefetchWorkers
	}

	return cfg, cfg.Validate()
}

func serverCommand(ctx context.Context, cfg *config.Config, args *ServerCmd) (err error) {
	l := zerolog.Ctx(ctx)

	if args.Metrics == "memory" {
		metrics.Path = args.MetricsFile
		if metrics.Global, err = metrics.NewMemoryMetrics(ctx); err != nil {
			return err
		}
	}

	mc, err := mediacache.Shared(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, mc.Close())
	}()

	handler, err := handlers.Handler(ctx, mc.Store())
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	httpSrv := &http.Server{
		Addr:    args.HttpAddr,
		Handler: handler,
	}

	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	l.Info().Str("http", args.HttpAddr).Str("dir", mc.Dir()).Bool("cache", mc.Enabled()).Msg("server start")
	return g.Wait()
}

func warmCommand(ctx context.Context, cfg *config.Config, args *WarmCmd) (err error) {
	l := zerolog.Ctx(ctx)

	mc, err := mediacache.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, mc.Close())
	}()

	f, err := mc.Open(ctx, args.Url)
	if err != nil {
		return err
	}
	defer f.Close()

	size, err := f.Fstat()
	if err != nil {
		return err
	}

	bar := progressbar.DefaultBytes(size, "warming")

	var tp imath.Throughput
	w, err := io.Copy(io.MultiWriter(io.Discard, bar), tp.Reader(f))
	if err != nil {
		return err
	}

	// p50, p90 and p99 of per-read speeds in MiB/s.
	l.Info().Str("url", args.Url).Int64("size", size).Int64("read", w).Floats64("speeds", tp.Percentiles(0.5, 0.9, 0.99)).Msg("complete")
	return nil
}

func evictCommand(ctx context.Context, cfg *config.Config) (err error) {
	mc, err := mediacache.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, mc.Close())
	}()

	spans, n, err := mc.Evict(ctx)
	if err != nil {
		return err
	}

	zerolog.Ctx(ctx).Info().Str("dir", mc.Dir()).Str("policy", cfg.CachePolicy).Int("spans", spans).Int64("bytes", n).Msg("evicted")
	return nil
}
