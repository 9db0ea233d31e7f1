package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/wayfinder/internal/config"
)

func TestRootCmd_VersionFlag(t *testing.T) {
	resetForTest(t)
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--version"})

	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Equal(t, "wayfinder version dev\n", out.String())
}

func TestRootCmd_NoArgsPrintsHelp(t *testing.T) {
	out, err := executeCommand(t)
	require.NoError(t, err)
	assert.Contains(t, out, "Wayfinder opens pages")
	assert.Contains(t, out, "elements")
}

func TestVersionCmd(t *testing.T) {
	out, err := executeCommand(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "wayfinder dev (go")
}

// showConfig runs "config show" and decodes the printed YAML.
func showConfig(t *testing.T, args ...string) *config.Config {
	t.Helper()
	out, err := executeCommand(t, append(args, "config", "show")...)
	require.NoError(t, err)
	var cfg config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &cfg), out)
	return &cfg
}

func TestConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
browser:
  headless: false
  viewport:
    width: 800
retry:
  max_attempts: 5
readiness:
  settle_confirmations: 4
`), 0o644))

	t.Run("file overrides defaults", func(t *testing.T) {
		cfg := showConfig(t, "--config", file)
		assert.False(t, cfg.Browser().Headless)
		assert.Equal(t, 800, cfg.Browser().Viewport.Width)
		assert.Equal(t, 720, cfg.Browser().Viewport.Height, "unset keys keep their defaults")
		assert.Equal(t, 5, cfg.Retry().MaxAttempts)
		assert.Equal(t, 4, cfg.Readiness().SettleConfirmations)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		t.Setenv("WAYFINDER_RETRY_MAX_ATTEMPTS", "7")
		cfg := showConfig(t, "--config", file)
		assert.Equal(t, 7, cfg.Retry().MaxAttempts)
	})

	t.Run("flags override everything", func(t *testing.T) {
		cfg := showConfig(t, "--config", file, "--headless=true", "--engine", "rod")
		assert.True(t, cfg.Browser().Headless)
		assert.Equal(t, config.EngineRod, cfg.Browser().Engine)
	})
}

func TestConfigDiscoveredInWorkingDir(t *testing.T) {
	resetForTest(t)
	require.NoError(t, os.WriteFile("wayfinder.yaml", []byte("interaction:\n  log_size: 9\n"), 0o644))
	fastTimings(t)

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"config", "show"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	var cfg config.Config
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &cfg))
	assert.Equal(t, 9, cfg.Interaction().LogSize)
}

func TestInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
		args    []string
		want    string
	}{
		{"unknown engine", "", []string{"--engine", "netscape"}, "browser.engine must be one of"},
		{"zero attempts", "retry:\n  max_attempts: 0\n", nil, "max_attempts must be at least 1"},
		{"malformed yaml", "browser: [\n", nil, "error reading config file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := filepath.Join(t.TempDir(), "bad.yaml")
			require.NoError(t, os.WriteFile(file, []byte(tt.content), 0o644))

			args := append([]string{"--config", file}, tt.args...)
			_, err := executeCommand(t, append(args, "config", "show")...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
