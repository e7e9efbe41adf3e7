package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ZanzyTHEbar/replaycast/rcast/pipeline"
	"github.com/ZanzyTHEbar/replaycast/rcast/server"

	"github.com/dustin/go-humanize"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

const shutdownTimeout = 40 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve previews over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			svc, err := pipeline.NewFactory(cfg, logger).CreateService()
			if err != nil {
				return err
			}
			found, err := svc.Store.Scan()
			if err != nil {
				return err
			}
			if err := svc.Counters.Load(); err != nil {
				logger.Warn().Err(err).Msg("starting counters from zero")
			}

			handler := server.NewHandler(svc.Pipeline, svc.Assets, server.Options{
				AllowedUserAgents: cfg.Server.AllowedUserAgents,
				MaxPathLen:        cfg.Sequence.MaxPathLen,
				Stats: func() server.Stats {
					snap := svc.Counters.Snapshot()
					return server.Stats{Requests: snap.Requests, Renders: snap.Renders, Indexed: svc.Store.Indexed()}
				},
			}, logger)

			srv := &http.Server{
				Addr:        cfg.Server.Addr,
				Handler:     handler.Routes(),
				ReadTimeout: cfg.Server.ReadTimeout,
				IdleTimeout: cfg.Server.IdleTimeout,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info().
				Str("addr", srv.Addr).
				Str("cache_dir", cfg.App.CacheDir).
				Int("entries", found).
				Str("high_watermark", humanize.IBytes(cfg.Eviction.HighBytes)).
				Str("low_watermark", humanize.IBytes(cfg.Eviction.LowBytes)).
				Msg("serving")

			var (
				wg       conc.WaitGroup
				serveErr error
				flushErr error
			)
			wg.Go(func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr = err
					stop()
				}
			})
			wg.Go(func() {
				flushErr = svc.Counters.Run(ctx, cfg.App.CountersFlushInterval)
			})
			if cfg.Server.WatchAssets {
				wg.Go(func() {
					if err := svc.Assets.Watch(ctx); err != nil {
						logger.Warn().Err(err).Msg("asset watcher stopped")
					}
				})
			}

			<-ctx.Done()
			logger.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			shutdownErr := srv.Shutdown(shutdownCtx)
			wg.Wait()

			return multierr.Combine(serveErr, shutdownErr, flushErr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override server.addr")
	return cmd
}
