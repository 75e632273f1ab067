package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/openmined/vaultsync/internal/crawler"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newSyncCmd())
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Bring the local mirror up to date with the vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			report, err := s.Sync(cmd.Context(), &crawler.StopFlag{})
			if errors.Is(err, crawler.ErrStopped) {
				slog.Warn("sync stopped before it finished")
				return nil
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, report)
			for _, f := range report.Failures {
				fmt.Fprintf(out, "  failed: %s\n", f)
			}
			return nil
		},
	}
}
