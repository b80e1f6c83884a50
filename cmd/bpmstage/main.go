package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	bperrors "github.com/23skdu/bpmstage/internal/errors"
	"github.com/23skdu/bpmstage/internal/health"
	"github.com/23skdu/bpmstage/internal/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	boot := logging.Bootstrap(os.Stderr)

	envFile := os.Getenv(envPrefix + "_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	cfg, err := LoadConfig(envFile)
	if err != nil {
		bperrors.Fatal(boot, bperrors.WrapConfigurationError(err, "load_config", envFile))
	}

	flags := flag.NewFlagSet("bpmstage", flag.ExitOnError)
	BindFlags(flags, &cfg)
	_ = flags.Parse(os.Args[1:])

	if err := ValidateConfig(&cfg); err != nil {
		bperrors.Fatal(boot, bperrors.WrapConfigurationError(err, "validate_config", ""))
	}
	logger, err := logging.New(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Output:    os.Stderr,
		Component: "bpmstage",
	})
	if err != nil {
		bperrors.Fatal(boot, bperrors.WrapConfigurationError(err, "init_logger", ""))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = serve(ctx, cfg, logger)
	stop()
	bperrors.Fatal(logger, err)
}

// serve runs the verification alongside the metrics and health endpoints,
// which are shut down once the run returns.
func serve(ctx context.Context, cfg Config, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	devices := NewDevices(cfg, logger)
	progress := new(Progress)

	if cfg.MetricsAddr != "" {
		hm := health.NewHealthManager(logger)
		for _, dev := range devices {
			if r, ok := dev.(health.MemoryReporter); ok {
				hm.RegisterChecker(health.NewDeviceChecker(r, cfg.DeviceMemoryBytes))
			}
		}
		hm.RegisterChecker(health.NewRunChecker(progress))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/healthz", hm.HTTPHandler())
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("address", cfg.MetricsAddr).Msg("Starting metrics server")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return bperrors.WrapIOError(err, "metrics_server", cfg.MetricsAddr)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer cancel()
		sum, err := RunOn(gctx, cfg, devices, progress, logger)
		if err != nil {
			return err
		}
		logger.Info().
			Int("reads", sum.Reads).
			Int("candidates", sum.Candidates).
			Int("mapped", sum.Mapped).
			Int("drains", sum.Drains).
			Int64("rows", sum.Rows).
			Dur("duration", sum.Duration).
			Float64("reads_per_second", float64(sum.Reads)/sum.Duration.Seconds()).
			Msg("run complete")
		return nil
	})

	return g.Wait()
}
