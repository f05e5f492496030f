package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func profileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "List and apply controller profiles",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show the built-in profile names",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			data, err := callAPI("GET", "/api/v1/profiles", "")
			if err != nil {
				return fmt.Errorf("list profiles: %w", err)
			}
			return printData(data)
		},
	})

	apply := &cobra.Command{
		Use:   "apply <name>",
		Short: "Apply a built-in profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]string{"name": args[0]})
			if err != nil {
				return fmt.Errorf("encode request: %w", err)
			}
			data, err := callAPI("POST", "/api/v1/profiles/apply", string(body))
			if err != nil {
				return fmt.Errorf("apply profile %s: %w", args[0], err)
			}
			return printData(data)
		},
	}
	cmd.AddCommand(apply)

	return cmd
}
