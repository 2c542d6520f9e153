package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pkgsmoke/pkgsmoke/pkg/config"
	"github.com/pkgsmoke/pkgsmoke/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Validate parses the CUE configuration, checks it against the built-in
schema, verifies key material is present, and compiles any custom
admission policies. Nothing is provisioned.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := config.NewLoader()
			if err != nil {
				return err
			}
			cfg, err := loader.Load(configPath)
			if err != nil {
				return err
			}

			if err := cfg.CheckTooling(); err != nil {
				return err
			}

			gate, err := policy.NewEngine(log.Logger, cfg.Instance.AllowedTypes)
			if err != nil {
				return err
			}
			if len(cfg.Policy.Paths) > 0 {
				if err := gate.LoadPolicies(cmd.Context(), cfg.Policy.Paths); err != nil {
					return err
				}
			}

			fmt.Printf("%s: configuration valid\n", configPath)
			return nil
		},
	}
	return cmd
}
