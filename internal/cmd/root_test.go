package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumhub/execgate/internal/server/handlers"
)

func TestSetVersionInfo(t *testing.T) {
	// Save original values
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origBuildDate := versionInfo.BuildDate
	defer func() {
		SetVersionInfo(origVersion, origCommit, origBuildDate)
	}()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{
			name:      "set all values",
			version:   "1.0.0",
			commit:    "abc123",
			buildDate: "2026-01-15",
		},
		{
			name:      "set dev version",
			version:   "dev",
			commit:    "HEAD",
			buildDate: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)

			// The /version handler reports the same metadata.
			assert.Equal(t, tt.version, handlers.Version)
			assert.Equal(t, tt.commit, handlers.Commit)
			assert.Equal(t, tt.buildDate, handlers.BuildDate)
		})
	}
}

func TestRootCommandStructure(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "keys", "submit", "token", "version"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}

	sub, _, err := rootCmd.Find([]string{"keys", "create"})
	require.NoError(t, err)
	assert.Equal(t, "create", sub.Name())
}
