package main

import (
	"fmt"

	"github.com/ZanzyTHEbar/replaycast/rcast/sequence"

	"github.com/spf13/cobra"
)

func newEncodeCmd() *cobra.Command {
	var (
		episode, mapNum int
		tics            int
	)
	cmd := &cobra.Command{
		Use:     "encode <tokens>",
		Short:   "Write the replay lump for a token run to stdout",
		Example: "  replaycast encode wwad --episode 1 --map 3 > replay.lmp",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for i := 0; i < len(args[0]); i++ {
				if !sequence.IsToken(args[0][i]) {
					return fmt.Errorf("invalid token %q at %d", args[0][i], i)
				}
			}
			lump := sequence.NewEncoder(tics).Encode(args[0], episode, mapNum)
			_, err := cmd.OutOrStdout().Write(lump)
			return err
		},
	}
	cmd.Flags().IntVar(&episode, "episode", sequence.MinEpisode, "episode number")
	cmd.Flags().IntVar(&mapNum, "map", sequence.MinMap, "map number")
	cmd.Flags().IntVar(&tics, "tics", sequence.DefaultTicsPerToken, "tic records per token")
	return cmd
}
