package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"

	"github.com/go-delve/stackunwind/pkg/symbolize"
)

func TestDefaultConfigFileParses(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeDefaultConfig(&buf))
	c := Default()
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), c))
	assert.Equal(t, Default(), c)
	assert.NoError(t, c.Validate())
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
debug-info-directories: ["/a", "/b"]
debuginfod: true
max-frames: 20
min-frame-address: 65536
image-cache-size: 4
remote-strategy: threads
`), 0o600))

	c, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, &Config{
		DebugInfoDirectories: []string{"/a", "/b"},
		Debuginfod:           true,
		MaxFrames:            20,
		MinFrameAddress:      0x10000,
		ImageCacheSize:       4,
		RemoteStrategy:       "threads",
	}, c)
	assert.Equal(t, symbolize.Config{
		DebugInfoDirectories: []string{"/a", "/b"},
		Debuginfod:           true,
		ImageCacheSize:       4,
	}, c.ResolverConfig())
}

func TestLoadConfigFileInvalid(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{
		"frames":   "max-frames: 1000\n",
		"strategy": "remote-strategy: guess\n",
		"cache":    "image-cache-size: -1\n",
		"yaml":     "max-frames: [\n",
	} {
		path := filepath.Join(dir, name+".yml")
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
		_, err := LoadConfigFile(path)
		assert.Error(t, err, name)
	}
	_, err := LoadConfigFile(filepath.Join(dir, "missing.yml"))
	assert.Error(t, err)
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	c := LoadConfig()
	assert.Equal(t, Default(), c)

	path, err := GetConfigFilePath(configFile)
	require.NoError(t, err)
	_, err = os.Stat(path)
	assert.NoError(t, err)

	c.MaxFrames = 10
	require.NoError(t, SaveConfig(c))
	assert.Equal(t, 10, LoadConfig().MaxFrames)
}
