package main

import (
	"fmt"
	"os"

	"github.com/ZanzyTHEbar/replaycast/rcast/pipeline"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newRenderCmd(root *rootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:     "render <path>",
		Short:   "Render one request path through the pipeline",
		Example: "  replaycast render /11wwad.webp -o preview.webp",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			svc, err := pipeline.NewFactory(cfg, logger).CreateService()
			if err != nil {
				return err
			}
			if _, err := svc.Store.Scan(); err != nil {
				return err
			}
			if err := svc.Counters.Load(); err != nil {
				logger.Warn().Err(err).Msg("starting counters from zero")
			}

			res, renderErr := svc.Pipeline.Handle(cmd.Context(), args[0])
			if err := svc.Counters.Flush(); err != nil {
				logger.Warn().Err(err).Msg("failed to flush counters")
			}
			if renderErr != nil {
				return renderErr
			}

			if out != "" {
				if err := os.WriteFile(out, res.Preview, 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", out, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", res.Key, res.Source, humanize.Bytes(uint64(len(res.Preview))))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write the preview to this file")
	return cmd
}
