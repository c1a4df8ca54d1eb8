package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"go-tidemark/pkg/dcb"
	"go-tidemark/pkg/outbox"
	"go-tidemark/pkg/processor"
	"go-tidemark/pkg/view"
)

func serveCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the outbox and view workers with an HTTP management surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newConfig(*cfgFile)
			if err != nil {
				return err
			}
			log := newLogger(v.GetString("log.level"))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			connectCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			pool, err := connectPool(connectCtx, log, v.GetString("db.url"), v)
			cancel()
			if err != nil {
				return err
			}
			defer pool.Close()

			var readPool *pgxpool.Pool
			if readURL := v.GetString("db.read_url"); readURL != "" {
				connectCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
				readPool, err = connectPool(connectCtx, log, readURL, v)
				cancel()
				if err != nil {
					return err
				}
				defer readPool.Close()
			}

			store, err := dcb.NewEventStoreWithReadReplica(ctx, pool, readPool)
			if err != nil {
				return err
			}

			pcfg := processorConfig(v)

			var (
				outboxWorker *outbox.Worker
				stats        *outbox.StatsPublisher
			)
			if v.GetBool("outbox.enabled") {
				topics := []outbox.Topic{{Name: "all-events"}}
				if file := v.GetString("outbox.topics_file"); file != "" {
					topics, err = outbox.LoadTopicsFile(file)
					if err != nil {
						return err
					}
				}
				stats = outbox.NewStatsPublisher()
				outboxWorker, err = outbox.NewWorker(pool, topics,
					[]outbox.Publisher{outbox.NewLogPublisher(log), stats},
					outbox.Config{
						Processor:            pcfg,
						MaxConsecutiveErrors: v.GetInt("outbox.max_consecutive_errors"),
						PerTopicLocks:        v.GetBool("outbox.per_topic_locks"),
					},
					outbox.WithLogger(log))
				if err != nil {
					return err
				}
			}

			var viewWorker *view.Worker
			if v.GetBool("views.enabled") {
				viewWorker, err = view.NewWorker(pool,
					[]view.View{view.NewTypeCountsView(v.GetString("views.counts_table"))},
					view.Config{Processor: pcfg},
					view.WithLogger(log))
				if err != nil {
					return err
				}
			}

			srv := &http.Server{
				Addr:              v.GetString("http.addr"),
				Handler:           newManagementHandler(pool, store, outboxWorker, viewWorker, stats),
				ReadHeaderTimeout: 5 * time.Second,
			}

			g, runCtx := errgroup.WithContext(ctx)
			if outboxWorker != nil {
				if err := outboxWorker.Start(runCtx); err != nil {
					return err
				}
				g.Go(outboxWorker.Wait)
			}
			if viewWorker != nil {
				if err := viewWorker.Start(runCtx); err != nil {
					return err
				}
				g.Go(viewWorker.Wait)
			}
			g.Go(func() error {
				log.Info().Str("addr", srv.Addr).Msg("management listener up")
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-runCtx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if outboxWorker != nil {
					_ = outboxWorker.Stop(shutdownCtx)
				}
				if viewWorker != nil {
					_ = viewWorker.Stop(shutdownCtx)
				}
				return srv.Shutdown(shutdownCtx)
			})

			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			log.Info().Msg("shutdown complete")
			return err
		},
	}
}

func processorConfig(v *viper.Viper) processor.Config {
	return processor.Config{
		PollingInterval:     v.GetDuration("processor.polling_interval"),
		BatchSize:           v.GetInt("processor.batch_size"),
		BackoffThreshold:    v.GetInt("processor.backoff_threshold"),
		BackoffMultiplier:   v.GetFloat64("processor.backoff_multiplier"),
		MaxBackoff:          v.GetDuration("processor.max_backoff"),
		LeaderRetryInterval: v.GetDuration("processor.leader_retry_interval"),
		FetchTimeout:        v.GetDuration("processor.fetch_timeout"),
	}
}
