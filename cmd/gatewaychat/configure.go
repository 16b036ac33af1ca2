package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"GatewayChat/internal/config"
	"GatewayChat/internal/gateway"
)

func newConfigureCmd(flags *globalFlags) *cobra.Command {
	var writeConfig bool

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Save the gateway URL and token",
		Long: `Save the gateway URL and token in the preference store so later runs
connect without flags. With --write-config the resolved settings are also
written to the config file.`,
		Example: `  gatewaychat configure --url wss://gateway.example:18789 --token abc123`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("url") {
				return errors.New("--url is required")
			}
			normalized, err := gateway.NormalizeURL(flags.url)
			if err != nil {
				return err
			}

			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(commandContext(cmd), commandTimeout)
			defer cancel()

			if err := a.prefs.SetGatewayURL(ctx, flags.url); err != nil {
				return fmt.Errorf("failed to save gateway URL: %w", err)
			}
			if err := a.prefs.SetGatewayToken(ctx, flags.token); err != nil {
				return fmt.Errorf("failed to save gateway token: %w", err)
			}
			a.logger.Info("Gateway configured", "url", normalized)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Gateway saved: %s\n", normalized)

			if writeConfig {
				path := flags.configPath
				if path == "" {
					if path, err = config.DefaultPath(); err != nil {
						return err
					}
				}
				if err := config.Save(a.cfg, path); err != nil {
					return err
				}
				fmt.Fprintf(out, "Config written to %s\n", path)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&writeConfig, "write-config", false, "Also write the settings to the config file")
	return cmd
}
