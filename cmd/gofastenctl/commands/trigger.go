package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func triggerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Trigger a one-shot tightening result",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "single",
		Short: "Emit one single-spindle result",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			data, err := callAPI("POST", "/api/v1/results/single", "")
			if err != nil {
				return fmt.Errorf("trigger single result: %w", err)
			}
			return printData(data)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "multi",
		Short: "Emit one multi-spindle result",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			data, err := callAPI("POST", "/api/v1/results/multi", "")
			if err != nil {
				return fmt.Errorf("trigger multi result: %w", err)
			}
			return printData(data)
		},
	})

	return cmd
}
