package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pkgsmoke/pkgsmoke/pkg/config"
	"github.com/pkgsmoke/pkgsmoke/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit       int
		packageName string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs",
		Long: `History lists past runs from the run-history database, newest first.
With --package it shows only the recorded failures for that package.`,
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
			if cfg.Store.Path == "" {
				return fmt.Errorf("no run-history database configured (store.path)")
			}

			store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
			if err != nil {
				return err
			}
			if err := store.Init(cmd.Context()); err != nil {
				return err
			}
			defer store.Close()

			var runs []*stores.Run
			if packageName != "" {
				runs, err = store.PackageFailures(cmd.Context(), packageName, limit)
			} else {
				runs, err = store.ListRuns(cmd.Context(), limit, 0)
			}
			if err != nil {
				return err
			}

			printSummary(runs)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum runs to list")
	cmd.Flags().StringVarP(&packageName, "package", "p", "", "show failures for this package only")

	return cmd
}
