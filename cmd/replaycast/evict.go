package main

import (
	"fmt"

	"github.com/ZanzyTHEbar/replaycast/rcast/adapters"
	"github.com/ZanzyTHEbar/replaycast/rcast/cache"
	"github.com/ZanzyTHEbar/replaycast/rcast/pipeline"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newEvictCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "evict",
		Short: "Run one eviction pass over the cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			store := cache.NewStore(cfg.App.CacheDir, logger)
			evictor := pipeline.NewFactory(cfg, logger).CreateEvictor(store, adapters.NoopPreviewCache{})
			report := evictor.Run(cmd.Context(), cfg.App.CacheDir)

			w := cmd.OutOrStdout()
			if report.Skipped {
				fmt.Fprintf(w, "free %s is above the high watermark, nothing to do\n", humanize.IBytes(report.FreeBefore))
				return nil
			}
			for _, key := range report.Removed {
				fmt.Fprintln(w, key)
			}
			fmt.Fprintf(w, "removed %d of %d candidates, free %s -> %s\n",
				len(report.Removed), report.Candidates,
				humanize.IBytes(report.FreeBefore), humanize.IBytes(report.FreeAfter))
			return nil
		},
	}
}
