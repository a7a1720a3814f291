package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/forge/internal/output"
)

// testEnv isolates config dir, viper state, the history store and output.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	origFunc := configDirFunc
	configDirFunc = func() (string, error) { return dir, nil }
	t.Cleanup(func() { configDirFunc = origFunc })

	viper.Reset()
	setDefaults(dir)

	dataStore = nil
	t.Cleanup(func() {
		if dataStore != nil {
			_ = dataStore.Close()
			dataStore = nil
		}
	})

	ui = output.New()
	return dir
}

// captureUI sends all UI output to one buffer.
func captureUI(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	ui.Out = buf
	ui.ErrOut = buf
	return buf
}

func TestConfigInitRun(t *testing.T) {
	tests := []struct {
		name     string
		existing bool
		force    bool
		wantErr  string
	}{
		{name: "fresh"},
		{name: "existing without force", existing: true, wantErr: "already exists"},
		{name: "existing with force", existing: true, force: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := testEnv(t)
			captureUI(t)
			cfgPath := filepath.Join(dir, "config.yaml")
			if tt.existing {
				require.NoError(t, os.WriteFile(cfgPath, []byte("port: 1\n"), 0o644))
			}
			configForce = tt.force
			t.Cleanup(func() { configForce = false })

			err := configInitRun()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)

			data, err := os.ReadFile(cfgPath)
			require.NoError(t, err)
			assert.Contains(t, string(data), "# forge configuration")
			assert.Contains(t, string(data), "debounce: 500ms")
			assert.Contains(t, string(data), "auto_save: true")
			assert.Contains(t, string(data), `dev_command: "npm run dev"`)
			assert.NotContains(t, string(data), "port: 1\n")
		})
	}
}

func TestConfigInitRun_GeneratedFileLoads(t *testing.T) {
	dir := testEnv(t)
	captureUI(t)
	viper.Set("port", 9090)
	viper.Set("agent.max_retries", 5)
	require.NoError(t, configInitRun())

	viper.Reset()
	viper.SetConfigFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, viper.ReadInConfig())
	assert.Equal(t, 9090, viper.GetInt("port"))
	assert.Equal(t, 5, viper.GetInt("agent.max_retries"))
	assert.Equal(t, "500ms", viper.GetDuration("sync.debounce").String())
	assert.True(t, viper.GetBool("sync.watch"))
}

func TestConfigInitRun_DryRun(t *testing.T) {
	dir := testEnv(t)
	out := captureUI(t)
	dryRun = true
	ui.DryRun = true
	t.Cleanup(func() { dryRun = false })

	require.NoError(t, configInitRun())
	assert.NoFileExists(t, filepath.Join(dir, "config.yaml"))
	assert.Contains(t, out.String(), "[DRY-RUN] Would create config file")
	assert.Contains(t, out.String(), "max_retries: 3")
}

func TestConfigShowRun(t *testing.T) {
	dir := testEnv(t)
	out := captureUI(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("sync:\n  debounce: 1s\n"), 0o644))
	viper.Set("sync.debounce", "1s")
	viper.Set("anthropic.api_key", "sk-ant-secret-abcd")
	t.Setenv("FORGE_PORT", "9999")

	require.NoError(t, configShowRun())

	got := out.String()
	assert.Contains(t, got, "Config file: "+filepath.Join(dir, "config.yaml"))
	assert.Contains(t, got, "\nsync\n")
	assert.Regexp(t, `sync\.debounce\s+1s\s+\(file\)`, got)
	assert.Regexp(t, `port\s+8080\s+\(env: FORGE_PORT\)`, got)
	assert.Regexp(t, `agent\.max_retries\s+3\s+\(default\)`, got)
	assert.Contains(t, got, "****abcd")
	assert.NotContains(t, got, "sk-ant-secret")
}

func TestConfigShowRun_NoFile(t *testing.T) {
	testEnv(t)
	out := captureUI(t)

	require.NoError(t, configShowRun())
	assert.Contains(t, out.String(), "Config file: (none)")
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name string
		set  map[string]any
		want []string
	}{
		{name: "defaults"},
		{name: "bad port", set: map[string]any{"port": 70000}, want: []string{"port: 70000 is out of range"}},
		{name: "zero debounce", set: map[string]any{"sync.debounce": "0s"}, want: []string{"sync.debounce: must be positive"}},
		{
			name: "several",
			set: map[string]any{
				"agent.max_retries":   -1,
				"runtime.dev_command": "  ",
				"generation.endpoint": "ftp://example.com",
				"runtime.root":        "/does/not/exist",
			},
			want: []string{
				"agent.max_retries: must not be negative",
				"runtime.dev_command: must not be empty",
				`generation.endpoint: "ftp://example.com" is not an http(s) URL`,
				"runtime.root: /does/not/exist is not a directory",
			},
		},
		{name: "unknown template", set: map[string]any{"runtime.template": "rails"}, want: []string{`runtime.template: unknown template "rails"`}},
		{name: "known template", set: map[string]any{"runtime.template": "react-vite"}},
		{name: "good endpoint", set: map[string]any{"generation.endpoint": "https://gen.example.com/api"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testEnv(t)
			for k, v := range tt.set {
				viper.Set(k, v)
			}
			err := validateConfig()
			if len(tt.want) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, w := range tt.want {
				assert.Contains(t, err.Error(), w)
			}
		})
	}
}

func TestConfigValidateRun(t *testing.T) {
	testEnv(t)
	out := captureUI(t)
	require.NoError(t, configValidateRun())
	assert.Contains(t, out.String(), "Configuration is valid")

	out.Reset()
	viper.Set("port", 0)
	err := configValidateRun()
	require.Error(t, err)
	assert.Equal(t, "invalid configuration", err.Error())
	assert.Contains(t, out.String(), "port: 0 is out of range")
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, `""`, maskSecret(""))
	assert.Equal(t, "****", maskSecret("abc"))
	assert.Equal(t, "****wxyz", maskSecret("key-wxyz"))
}

func TestConfigEditRun(t *testing.T) {
	t.Run("no editor", func(t *testing.T) {
		testEnv(t)
		t.Setenv("EDITOR", "")
		t.Setenv("VISUAL", "")

		err := configEditRun()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "$EDITOR is not set")
	})

	t.Run("no config file", func(t *testing.T) {
		testEnv(t)
		t.Setenv("EDITOR", "true")

		err := configEditRun()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "run 'forge config init' first")
	})

	t.Run("runs editor", func(t *testing.T) {
		dir := testEnv(t)
		captureUI(t)
		t.Setenv("EDITOR", "true")
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("port: 8080\n"), 0o644))

		assert.NoError(t, configEditRun())
	})
}

func TestDetectSource(t *testing.T) {
	t.Setenv("FORGE_SYNC_WATCH", "false")
	fileValues := map[string]bool{"sync.debounce": true}

	assert.Equal(t, "(env: FORGE_SYNC_WATCH)", detectSource("sync.watch", "FORGE_SYNC_WATCH", fileValues))
	assert.Equal(t, "(file)", detectSource("sync.debounce", "FORGE_SYNC_DEBOUNCE", fileValues))
	assert.Equal(t, "(default)", detectSource("port", "FORGE_PORT", fileValues))
}

func TestReadConfigFileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 1\nsync:\n  debounce: 1s\n  watch: false\n"), 0o644))

	got := readConfigFileValues(path)
	assert.Equal(t, map[string]bool{"port": true, "sync.debounce": true, "sync.watch": true}, got)
	assert.Empty(t, readConfigFileValues(filepath.Join(t.TempDir(), "missing.yaml")))
}
