package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/chatengine/pkg/chat"
	"github.com/aixgo-dev/chatengine/pkg/config"
	"github.com/aixgo-dev/chatengine/pkg/gateway"
)

func newTokenCmd(configPath *string) *cobra.Command {
	var (
		name string
		ttl  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a client token signed with the configured secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			auth, err := gateway.NewJWTAuthenticator([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer)
			if err != nil {
				return err
			}
			token, err := auth.Issue(chat.AuthenticatedUser{ID: args[0], DisplayName: name}, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func newConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	var out string
	writeCmd := &cobra.Command{
		Use:   "write",
		Short: "Write the effective configuration (defaults, file and environment) to a file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := config.SaveConfig(cfg, out); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return err
		},
	}
	writeCmd.Flags().StringVarP(&out, "out", "o", "chatengine.yaml", "output file")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return err
		},
	}

	cmd.AddCommand(writeCmd, checkCmd)
	return cmd
}
