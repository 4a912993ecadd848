package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// flags override the matching environment settings when set.
type flags struct {
	listen    string
	logLevel  string
	transport string
	token     string
}

func rootCmd() *cobra.Command {
	var f flags

	root := &cobra.Command{
		Use:           "chatsync",
		Short:         "Keeps a local view of conversations, friend requests and notifications in sync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&f.logLevel, "log-level", "v", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&f.token, "token", "", "session credential (default $SESSION_TOKEN)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon and its local view API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), f)
		},
	}
	runCmd.Flags().StringVarP(&f.listen, "listen", "l", "", "local API address (default $LISTEN_ADDR)")
	runCmd.Flags().StringVar(&f.transport, "transport", "", "push transport: ws or nats (default $PUSH_TRANSPORT)")

	whoamiCmd := &cobra.Command{
		Use:   "whoami",
		Short: "Resolve the session credential and print the user it belongs to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return whoami(cmd.Context(), cmd.OutOrStdout(), f)
		},
	}

	root.AddCommand(runCmd, whoamiCmd)
	return root
}
