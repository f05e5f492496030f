package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the controller state snapshot",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			data, err := callAPI("GET", "/api/v1/status", "")
			if err != nil {
				return fmt.Errorf("get status: %w", err)
			}
			return printData(data)
		},
	}
}
