package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/j-d-ha/lambdatest/internal/broker"
	"github.com/j-d-ha/lambdatest/internal/client"
	"github.com/j-d-ha/lambdatest/internal/config"
	"github.com/j-d-ha/lambdatest/internal/httpapi"
	"github.com/j-d-ha/lambdatest/internal/logging"
	"github.com/j-d-ha/lambdatest/internal/metrics"
	"github.com/j-d-ha/lambdatest/internal/observability"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "lambdatest",
		Short: "In-memory emulator of the Lambda runtime control protocol",
		Long:  "Drives function handlers through the runtime HTTP control protocol without sockets or deployment.",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")

	rootCmd.AddCommand(
		serveCmd(),
		demoCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	logging.SetLevelFromString(cfg.Server.LogLevel)
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Expose the emulator's control protocol over real HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := observability.Init(ctx, observability.Config{
				Enabled:     cfg.Telemetry.Enabled,
				Exporter:    cfg.Telemetry.Exporter,
				Endpoint:    cfg.Telemetry.Endpoint,
				ServiceName: cfg.Telemetry.ServiceName,
				SampleRate:  cfg.Telemetry.SampleRate,
			}); err != nil {
				return fmt.Errorf("init telemetry: %w", err)
			}
			defer func() {
				_ = observability.Shutdown(context.Background())
			}()

			m := metrics.New()
			proc := broker.New(
				broker.WithChannelCapacity(cfg.Broker.ChannelCapacity),
				broker.WithMetrics(m),
			)
			proc.Start()

			mux := http.NewServeMux()
			apiHandler := &httpapi.Handler{Proc: proc}
			apiHandler.RegisterRoutes(mux)
			mux.Handle("/metrics", m.Handler())

			srv := &http.Server{
				Addr:    cfg.Server.HTTPAddr,
				Handler: observability.HTTPMiddleware(mux),
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logging.Op().Info("control protocol listening", "addr", cfg.Server.HTTPAddr)
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				logging.Op().Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
				proc.Close()
				return nil
			})
			return g.Wait()
		},
	}
}

func demoCmd() *cobra.Command {
	var (
		count    int
		timeoutS int
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run an in-process echo handler through the protocol round trip",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}

			proc := broker.New()
			proc.Start()
			defer proc.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			rt := client.New(proc)
			go func() {
				_ = rt.Run(ctx, func(_ context.Context, payload []byte) ([]byte, error) {
					return []byte(fmt.Sprintf(`{"echo":%s}`, payload)), nil
				})
			}()

			initCtx, initCancel := context.WithTimeout(ctx, 5*time.Second)
			defer initCancel()
			res, err := proc.AwaitInit(initCtx)
			if err != nil {
				return fmt.Errorf("await init: %w", err)
			}
			if !res.OK {
				return fmt.Errorf("poller failed to initialize: %s", res.Err.ErrorMessage)
			}

			g, gctx := errgroup.WithContext(ctx)
			for i := 0; i < count; i++ {
				payload := fmt.Sprintf(`{"n":%d}`, i)
				g.Go(func() error {
					id := uuid.NewString()
					deadline := time.Now().Add(time.Duration(timeoutS) * time.Second)
					out, err := proc.QueueInvocation(gctx, id, []byte(payload), deadline)
					if err != nil {
						return fmt.Errorf("invocation %s: %w", id, err)
					}
					fmt.Printf("%s -> %s\n", strings.TrimSpace(payload), out.Body)
					return nil
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().IntVar(&count, "count", 5, "Number of invocations to queue")
	cmd.Flags().IntVar(&timeoutS, "timeout", 10, "Per-invocation deadline in seconds")
	return cmd
}
