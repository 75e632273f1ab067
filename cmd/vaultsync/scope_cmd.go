package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/openmined/vaultsync/internal/scope"
	"github.com/openmined/vaultsync/internal/vaultpath"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func init() {
	rootCmd.AddCommand(newScopeCmd())
}

func newScopeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scope",
		Short: "Inspect and edit which part of the vault is mirrored",
	}
	cmd.AddCommand(
		newScopeShowCmd(),
		newScopeSetCmd(),
		newScopeRemoveCmd(),
		newScopeResolveCmd(),
		newScopeRepairCmd(),
	)
	return cmd
}

func newScopeShowCmd() *cobra.Command {
	var asYAML, asJSON bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the scope table of the repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			table := s.LoadScopeTable("")
			out := cmd.OutOrStdout()
			switch {
			case asYAML:
				raw, err := yaml.Marshal(table)
				if err != nil {
					return err
				}
				_, err = out.Write(raw)
				return err
			case asJSON:
				raw, err := json.MarshalIndent(table, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, string(raw))
				return err
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PATH\tSTATE\tREMOTE ID\tLOCAL PATH")
			for _, e := range table.Entries() {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", e.Path, e.Info.State, e.Info.LastKnownRemoteID, e.Info.LocalPathOverride)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print as yaml")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as json")
	cmd.MarkFlagsMutuallyExclusive("yaml", "json")
	return cmd
}

func newScopeSetCmd() *cobra.Command {
	var local string
	cmd := &cobra.Command{
		Use:   "set <path> <state>",
		Short: "Set the sync state of a vault path",
		Long:  "Set the sync state of a vault path. States: " + stateNames(),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := scope.ParseState(args[1])
			if err != nil {
				return err
			}

			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			table := s.LoadScopeTable("")
			info, ok := table.Get(args[0])
			if !ok {
				info = scope.NewSyncInfo(state)
			}
			info.State = state
			if cmd.Flag("local").Changed {
				info.LocalPathOverride = local
			}
			if err := table.Set(args[0], info); err != nil {
				return err
			}
			if err := s.SaveScopeTable(table); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", vaultpath.Normalize(args[0]), state)
			return err
		},
	}
	cmd.Flags().StringVar(&local, "local", "", "mirror this folder into a local directory instead")
	return cmd
}

func newScopeRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <path>",
		Short: "Remove the explicit entry of a vault path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			table := s.LoadScopeTable("")
			if !table.Remove(args[0]) {
				return fmt.Errorf("no entry for %s", args[0])
			}
			return s.SaveScopeTable(table)
		},
	}
}

func newScopeResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <path>...",
		Short: "Print the effective state and local path of vault paths",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, p := range args {
				local, err := s.LocalPath(cmd.Context(), p)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", vaultpath.Normalize(p), s.ResolveState(p), local)
			}
			return w.Flush()
		},
	}
}

func newScopeRepairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Follow folders and files that moved in the vault",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			report, err := s.Repair(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for from, to := range report.Moved {
				fmt.Fprintf(out, "moved: %s -> %s\n", from, to)
			}
			for _, p := range report.Unresolved {
				fmt.Fprintf(out, "unresolved: %s\n", p)
			}
			_, err = fmt.Fprintf(out, "%d moved, %d refreshed, %d unresolved\n",
				len(report.Moved), report.Refreshed, len(report.Unresolved))
			return err
		},
	}
}

func stateNames() string {
	var names string
	for i, s := range scope.AllStates() {
		if i > 0 {
			names += ", "
		}
		names += s.String()
	}
	return names
}
