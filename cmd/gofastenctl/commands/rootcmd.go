package commands

import "github.com/spf13/cobra"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gofastenctl",
		Short: "CLI client for the gofasten controller simulator",
		Long: "gofastenctl drives the gofasten daemon through its operator HTTP API " +
			"and can monitor the Open Protocol stream directly.",
		// Silence cobra's built-in usage/error printing so we control it.
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&apiAddr, "api", "localhost:8484",
		"gofasten operator API address (host:port)")
	cmd.PersistentFlags().StringVar(&protocolAddr, "addr", "localhost:4545",
		"gofasten Open Protocol address (host:port)")

	cmd.AddCommand(statusCmd())
	cmd.AddCommand(toolCmd())
	cmd.AddCommand(triggerCmd())
	cmd.AddCommand(vinCmd())
	cmd.AddCommand(psetCmd())
	cmd.AddCommand(profileCmd())
	cmd.AddCommand(monitorCmd())
	cmd.AddCommand(versionCmd())

	return cmd
}
