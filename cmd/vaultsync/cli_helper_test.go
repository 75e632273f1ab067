package main

import (
	"bytes"
	"net/http/httptest"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// useMirror points the global settings at a fresh mirror directory. The
// server is never contacted unless a test syncs.
func useMirror(t *testing.T) string {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	setDefaults(viper.GetViper())
	dir := t.TempDir()
	viper.Set("repository", "Engineering")
	viper.Set("server_url", "http://vault.invalid")
	viper.Set("mirror_dir", dir)
	viper.Set("retry_count", 0)
	return dir
}

// unreachableServer returns the url of a server that has already shut down.
func unreachableServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(nil)
	srv.Close()
	return srv.URL
}

func execute(t *testing.T, sub *cobra.Command, args ...string) (string, error) {
	t.Helper()
	cmd := &cobra.Command{Use: "vaultsync", SilenceErrors: true, SilenceUsage: true}
	cmd.AddCommand(sub)

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}
