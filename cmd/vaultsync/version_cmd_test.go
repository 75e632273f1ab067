package main

import (
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/openmined/vaultsync/internal/version"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand_PrintsDetailedVersion(t *testing.T) {
	out, err := execute(t, newVersionCmd(), "version")
	require.NoError(t, err)
	require.Equal(t, version.Detailed(), strings.TrimSpace(out))
}

func TestVersionCommand_JSON(t *testing.T) {
	out, err := execute(t, newVersionCmd(), "version", "--json")
	require.NoError(t, err)

	var info version.Info
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	require.Equal(t, version.Current(), info)
}
