package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newDestroyCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "destroy <instance-id>",
		Short: "Tear down an instance by id",
		Long: `Destroy stops and deletes an instance that was kept with --keep or
left behind by an interrupted run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, closer, err := newHarness(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer closer()

			id := args[0]
			if err := h.orch.Destroy(cmd.Context(), id); err != nil {
				return err
			}
			log.Info().Str("instance_id", id).Msg("instance destroyed")
			return nil
		},
	}
	return cmd
}
