package cmds

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-go-golems/enochian/pkg/metrics"
	"github.com/go-go-golems/enochian/pkg/telemetry"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func NewTelemetryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "telemetry",
		Short: "Work with the debug region telemetry",
	}
	cmd.AddCommand(newTelemetryServeCommand())
	return cmd
}

func newTelemetryServeCommand() *cobra.Command {
	var (
		port        int
		redisAddr   string
		redisStream string
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Receive telemetry events and expose generation metrics",
		Long: `Serve POST /api/prompt for programs running with --telemetry, and
GET /metrics for prometheus. Received events are logged, and appended to a redis
stream when --redis-addr is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			router, err := telemetry.NewRouter(telemetry.WithVerbose(verbose))
			if err != nil {
				return err
			}
			defer func() {
				_ = router.Close()
			}()
			router.AddHandler("log", func(ctx context.Context, e *telemetry.Event) error {
				log.Info().
					Str("type", e.Type).
					Str("id", e.ID).
					Int("requests", len(e.Requests)).
					Msg("telemetry event")
				return nil
			})

			var sink telemetry.Sink = router.Sink()
			if redisAddr != "" {
				rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
				defer func() {
					_ = rdb.Close()
				}()
				if err := rdb.Ping(ctx).Err(); err != nil {
					return errors.Wrapf(err, "could not connect to redis at %s", redisAddr)
				}
				sink = telemetry.NewMultiSink(sink, telemetry.NewRedisSink(rdb, redisStream, 10000))
			}

			m := metrics.New()
			registry := prometheus.NewRegistry()
			if err := m.Register(registry); err != nil {
				return err
			}
			receiver := telemetry.NewReceiver(sink,
				telemetry.WithReceiverMetrics(m),
				telemetry.WithMetricsHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})),
			)

			server := &http.Server{
				Addr:              fmt.Sprintf(":%d", port),
				Handler:           receiver.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				return router.Run(ctx)
			})
			eg.Go(func() error {
				select {
				case <-router.Running():
				case <-ctx.Done():
					return nil
				}
				log.Info().Str("addr", server.Addr).Msg("serving telemetry")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			eg.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})
			return eg.Wait()
		},
	}

	cmd.Flags().IntVar(&port, "port", telemetry.DefaultPort, "Port to listen on")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "", "Redis address to append events to")
	cmd.Flags().StringVar(&redisStream, "redis-stream", "enochian:telemetry", "Redis stream name")
	cmd.Flags().BoolVar(&verbose, "verbose-pubsub", false, "Log the internal pubsub")
	return cmd
}
