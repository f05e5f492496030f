package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func psetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pset",
		Short: "Inspect parameter sets",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show the full parameter-set table",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			data, err := callAPI("GET", "/api/v1/psets", "")
			if err != nil {
				return fmt.Errorf("list psets: %w", err)
			}
			return printData(data)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show one parameter set",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			data, err := callAPI("GET", "/api/v1/psets/"+args[0], "")
			if err != nil {
				return fmt.Errorf("get pset %s: %w", args[0], err)
			}
			return printData(data)
		},
	})

	return cmd
}
