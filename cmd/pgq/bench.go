package main

import (
	"context"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/mattbonnell/pgq"
	"github.com/mattbonnell/pgq/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newBenchCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Enqueue and consume fake messages, reporting throughput",
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, _ := cmd.Flags().GetString("queue")
			count, _ := cmd.Flags().GetInt("count")
			consumers, _ := cmd.Flags().GetInt("consumers")
			if count <= 0 || consumers <= 0 {
				return fmt.Errorf("--count and --consumers must be positive")
			}
			return withClient(cmd.Context(), *cfg, func(ctx context.Context, c *pgq.Client) error {
				return bench(ctx, c, queue, count, consumers)
			})
		},
	}
	cmd.Flags().String("queue", "bench", "Queue to benchmark; it is flushed afterwards")
	cmd.Flags().Int("count", 1000, "Number of messages")
	cmd.Flags().Int("consumers", 4, "Number of concurrent consumers")
	return cmd
}

func bench(ctx context.Context, c *pgq.Client, queue string, count, consumers int) error {
	defer func() {
		if err := c.Broker().Flush(context.Background(), queue); err != nil {
			log.Warn().Err(err).Str("queue", queue).Msg("failed to flush benchmark queue")
		}
	}()

	start := time.Now()
	for i := 0; i < count; i++ {
		msg, err := pgq.NewMessage(queue, "bench", map[string]string{"payload": gofakeit.Sentence(8)})
		if err != nil {
			return err
		}
		if _, err := c.Broker().Enqueue(ctx, msg, 0); err != nil {
			return err
		}
	}
	enqueueElapsed := time.Since(start)
	log.Info().Int("count", count).Dur("elapsed", enqueueElapsed).Msg("enqueued messages")

	remaining := make(chan struct{}, count)
	for i := 0; i < count; i++ {
		remaining <- struct{}{}
	}
	start = time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < consumers; i++ {
		g.Go(func() error {
			consumer, err := c.NewConsumer(gctx, queue)
			if err != nil {
				return err
			}
			defer consumer.Close()
			for {
				select {
				case <-remaining:
				default:
					return nil
				}
				var d *pgq.Delivery
				for d == nil {
					if d, err = consumer.Next(gctx); err != nil {
						return err
					}
				}
				if err := consumer.Ack(gctx, d); err != nil {
					return err
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	consumeElapsed := time.Since(start)
	log.Info().
		Int("count", count).
		Int("consumers", consumers).
		Dur("enqueue", enqueueElapsed).
		Dur("consume", consumeElapsed).
		Float64("consumed_per_sec", float64(count)/consumeElapsed.Seconds()).
		Msg("benchmark complete")
	return nil
}
