package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func vinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vin",
		Short: "Manage the current vehicle identifier",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <vin>",
		Short: "Download a new VIN to the controller",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]string{"vin": args[0]})
			if err != nil {
				return fmt.Errorf("encode request: %w", err)
			}
			data, err := callAPI("PUT", "/api/v1/vin", string(body))
			if err != nil {
				return fmt.Errorf("set vin: %w", err)
			}
			return printData(data)
		},
	})

	return cmd
}
