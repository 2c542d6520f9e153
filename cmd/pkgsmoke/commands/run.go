package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pkgsmoke/pkgsmoke/pkg/orchestrator"
)

func newRunCommand(version string) *cobra.Command {
	var (
		packageName string
		createOnly  bool
		keep        bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Provision an instance and smoke-test one package",
		Long: `Run provisions an ephemeral instance, installs the package toolchain,
installs one package, and classifies the result from the install
output. The instance is torn down on every exit path unless --keep is
given.`,
		Example: `  # Test a random package from the catalog
  pkgsmoke run

  # Test a specific package
  pkgsmoke run --package CSWgzip

  # Just provision an instance and keep it around
  pkgsmoke run --create-only --keep`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, closer, err := newHarness(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer closer()

			result, runErr := h.orch.Run(cmd.Context(), orchestrator.Options{
				ImageName:    h.cfg.Instance.Image,
				InstanceType: h.cfg.Instance.Type,
				Package:      packageName,
				CreateOnly:   createOnly,
				KeepInstance: keep,
			})
			if result != nil {
				printSummary(result)
			}
			if diag := orchestrator.Diagnostics(runErr); diag != "" {
				fmt.Fprintln(os.Stderr, diag)
			}
			return runErr
		},
	}

	cmd.Flags().StringVarP(&packageName, "package", "p", "", "package to install instead of a random pick")
	cmd.Flags().BoolVar(&createOnly, "create-only", false, "provision only, skip bootstrap and testing")
	cmd.Flags().BoolVar(&keep, "keep", false, "leave the instance running")

	return cmd
}

// printSummary renders the run result to stdout, YAML by default.
func printSummary(v any) {
	var (
		out []byte
		err error
	)
	if jsonOutput {
		out, err = json.MarshalIndent(v, "", "  ")
	} else {
		out, err = yaml.Marshal(v)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to render summary: %v\n", err)
		return
	}
	fmt.Println(string(out))
}
