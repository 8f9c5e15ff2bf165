package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_Help(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "deepinsight")
	for _, sub := range []string{"serve", "run", "feedback", "config", "version"} {
		assert.Contains(t, out, sub)
	}
}

func TestGetVersionFunction(t *testing.T) {
	SetVersion("test-version-func", "test-commit", "test-date")
	assert.Equal(t, "test-version-func", GetVersion())
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		resetState(t)
		cfg, err := loadConfig()
		require.NoError(t, err)
		assert.Equal(t, "memory", cfg.Mailbox.Backend)
		assert.Equal(t, 10, cfg.Approval.MaxRevisions)
	})

	t.Run("config file", func(t *testing.T) {
		resetState(t)
		cfgFile = writeConfig(t, "log:\n  level: debug\napproval:\n  max_revisions: 4\n")
		defer func() { cfgFile = "" }()

		cfg, err := loadConfig()
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, 4, cfg.Approval.MaxRevisions)
	})

	t.Run("invalid values", func(t *testing.T) {
		resetState(t)
		cfgFile = writeConfig(t, "mailbox:\n  backend: carrier-pigeon\n")
		defer func() { cfgFile = "" }()

		_, err := loadConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mailbox.backend")
	})
}

func TestMissingConfigFile(t *testing.T) {
	_, err := execute(t, "config", "show", "--config", "/nonexistent/deepinsight.yaml")
	require.Error(t, err)
}
