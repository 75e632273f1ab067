package main

import (
	"fmt"

	"github.com/openmined/vaultsync/internal/vaultconfig"
	"github.com/openmined/vaultsync/internal/workspace"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(newConfigCmd())
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the scope configuration file",
	}
	cmd.AddCommand(newConfigMigrateCmd(), newConfigPathCmd())
	return cmd
}

// Opening a session upgrades an old configuration, so migrate only has to
// report what happened.
func newConfigMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Upgrade the scope configuration to the current format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			path := s.Workspace().ConfigPath
			switch format := s.ConfigFormat(); format {
			case vaultconfig.FormatNone:
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: no configuration yet\n", path)
			case vaultconfig.FormatV3:
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: already %s\n", path, format)
			default:
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: upgraded from %s, backup at %s.%s.bak\n", path, format, path, format)
			}
			return err
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the settings file and scope configuration paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := mirrorConfig(viper.GetViper())
			ws, err := workspace.NewWorkspace(cfg.MirrorDir, cfg.StateDir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "settings: %s\n", settingsPath())
			_, err = fmt.Fprintf(out, "scope:    %s\n", ws.ConfigPath)
			return err
		},
	}
}
