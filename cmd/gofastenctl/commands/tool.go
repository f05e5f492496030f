package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func toolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tool",
		Short: "Enable or disable the simulated tool",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "enable",
		Short: "Enable the tool",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			data, err := callAPI("POST", "/api/v1/tool/enable", "")
			if err != nil {
				return fmt.Errorf("enable tool: %w", err)
			}
			return printData(data)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "disable",
		Short: "Disable the tool",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			data, err := callAPI("POST", "/api/v1/tool/disable", "")
			if err != nil {
				return fmt.Errorf("disable tool: %w", err)
			}
			return printData(data)
		},
	})

	return cmd
}
