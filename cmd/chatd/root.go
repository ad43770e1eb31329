package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/chatengine"
)

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "chatd",
		Short:         "Real-time conversational session engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file (CHAT_* variables override it)")

	rootCmd.AddCommand(
		newServeCmd(&configPath),
		newTokenCmd(&configPath),
		newConfigCmd(&configPath),
		newConsoleCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), chatengine.Version)
			return err
		},
	}
}
