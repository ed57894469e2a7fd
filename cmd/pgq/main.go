package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattbonnell/pgq"
	"github.com/mattbonnell/pgq/internal/config"
	"github.com/mattbonnell/pgq/internal/httpapi"
	"github.com/mattbonnell/pgq/internal/metrics"
	"github.com/mattbonnell/pgq/internal/pgnotify"
	"github.com/mattbonnell/pgq/internal/schema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const statsInterval = 15 * time.Second

func main() {
	cfg := config.Default()
	config.FromEnv(&cfg)

	rootCmd := &cobra.Command{
		Use:   "pgq",
		Short: "pgq task queue CLI",
		Long:  "pgq manages the schema, queues and ops server of a Postgres backed task queue.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(cfg.LogLevel)
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "Postgres connection string")
	rootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")

	// migrate
	migrateCmd := &cobra.Command{Use: "migrate", Short: "Schema migrations"}
	migrateCmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Create or upgrade the pgq schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), cfg, func(ctx context.Context, c *pgq.Client) error {
				return schema.Create(ctx, c.DB().DB)
			})
		},
	})
	migrateCmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Drop the pgq schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), cfg, func(ctx context.Context, c *pgq.Client) error {
				return schema.Drop(ctx, c.DB().DB)
			})
		},
	})
	rootCmd.AddCommand(migrateCmd)

	// enqueue
	enqueueCmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a message for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, _ := cmd.Flags().GetString("queue")
			actor, _ := cmd.Flags().GetString("actor")
			rawArgs, _ := cmd.Flags().GetString("args")
			delay, _ := cmd.Flags().GetDuration("delay")
			if !json.Valid([]byte(rawArgs)) {
				return fmt.Errorf("--args must be valid JSON")
			}
			return withClient(cmd.Context(), cfg, func(ctx context.Context, c *pgq.Client) error {
				msg, err := pgq.NewMessage(queue, actor, json.RawMessage(rawArgs))
				if err != nil {
					return err
				}
				task, err := c.Broker().Enqueue(ctx, msg, delay)
				if err != nil {
					return err
				}
				fmt.Println(task.MessageID)
				return nil
			})
		},
	}
	enqueueCmd.Flags().String("queue", "default", "Queue name")
	enqueueCmd.Flags().String("actor", "", "Actor name")
	enqueueCmd.Flags().String("args", "null", "JSON encoded actor arguments")
	enqueueCmd.Flags().Duration("delay", 0, "Delay before the message becomes eligible")
	_ = enqueueCmd.MarkFlagRequired("actor")
	rootCmd.AddCommand(enqueueCmd)

	// flush
	flushCmd := &cobra.Command{
		Use:   "flush [queue...]",
		Short: "Delete every task of the given queues, including delayed and dead-lettered ones",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), cfg, func(ctx context.Context, c *pgq.Client) error {
				for _, q := range args {
					if err := c.Broker().Flush(ctx, q); err != nil {
						return err
					}
					log.Info().Str("queue", q).Msg("queue flushed")
				}
				return nil
			})
		},
	}
	rootCmd.AddCommand(flushCmd)

	// join
	joinCmd := &cobra.Command{
		Use:   "join [queue]",
		Short: "Wait until a queue has no queued or consumed tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")
			return withClient(cmd.Context(), cfg, func(ctx context.Context, c *pgq.Client) error {
				return c.Broker().Join(ctx, args[0], timeout)
			})
		},
	}
	joinCmd.Flags().Duration("timeout", 0, "Give up after this long (0 waits forever)")
	rootCmd.AddCommand(joinCmd)

	// wake
	rootCmd.AddCommand(&cobra.Command{
		Use:   "wake [queue]",
		Short: "Nudge idle consumers of a queue to poll immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), cfg, func(ctx context.Context, c *pgq.Client) error {
				return pgnotify.Notify(ctx, c.DB(), pgnotify.ChannelName("pgq", args[0]+".enqueue"), "")
			})
		},
	})

	// serve
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ops HTTP server (health, queue stats, metrics)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg)
		},
	}
	serveCmd.Flags().StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "HTTP listen address")
	serveCmd.Flags().StringSliceVar(&cfg.Queues, "queues", cfg.Queues, "Queues to declare and report on")
	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(newBenchCmd(&cfg))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func setupLogging(level string) error {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	return nil
}

func withClient(ctx context.Context, cfg config.Config, fn func(ctx context.Context, c *pgq.Client) error) error {
	c, err := pgq.Connect(ctx, cfg.DatabaseURL, append(cfg.ClientOptions(), pgq.WithMigrations(false))...)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func serve(ctx context.Context, cfg config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	svc, err := metrics.New(reg)
	if err != nil {
		return err
	}

	c, err := pgq.Connect(ctx, cfg.DatabaseURL, append(cfg.ClientOptions(), pgq.WithMetrics(svc))...)
	if err != nil {
		return err
	}
	defer c.Close()
	for _, q := range cfg.Queues {
		if err := c.Broker().DeclareQueue(q); err != nil {
			return err
		}
	}

	router := httpapi.NewRouter(c, c.Broker(), promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router.NewRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go refreshStats(ctx, c.Broker())

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("ops server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Info().Msg("shutting down ops server")
	return srv.Shutdown(shutdownCtx)
}

// refreshStats keeps the queue depth gauges current.
func refreshStats(ctx context.Context, b *pgq.Broker) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		if _, err := b.Stats(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("failed to refresh queue stats")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
