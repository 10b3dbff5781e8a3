package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"github.com/go-delve/stackunwind/pkg/proc"
	"github.com/go-delve/stackunwind/pkg/symbolize"
)

const (
	configDir       string = "stackunwind"
	configDirHidden string = ".stackunwind"
	configFile      string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// DebugInfoDirectories is the list of build id roots searched for
	// separate debug info files.
	DebugInfoDirectories []string `yaml:"debug-info-directories"`
	// Debuginfod enables downloading debug info with debuginfod-find.
	Debuginfod bool `yaml:"debuginfod"`

	// MaxFrames is the maximum number of frames of a stack, at most 100.
	MaxFrames int `yaml:"max-frames,omitempty"`
	// MinFrameAddress is the lowest address the unwinders read from.
	MinFrameAddress uint64 `yaml:"min-frame-address,omitempty"`
	// ImageCacheSize is the number of module images kept open.
	ImageCacheSize int `yaml:"image-cache-size,omitempty"`

	// RemoteStrategy is the default strategy of the remote command,
	// "cfi" or "threads".
	RemoteStrategy string `yaml:"remote-strategy,omitempty"`
}

// Default returns the configuration used when there is no config file.
func Default() *Config {
	return &Config{
		DebugInfoDirectories: []string{symbolize.DefaultBuildIDDirectory},
	}
}

// Validate checks the values of c.
func (c *Config) Validate() error {
	if c.MaxFrames < 0 || c.MaxFrames > proc.MaxFrames {
		return fmt.Errorf("max-frames must be between 0 and %d, got %d", proc.MaxFrames, c.MaxFrames)
	}
	if c.ImageCacheSize < 0 {
		return fmt.Errorf("image-cache-size must not be negative, got %d", c.ImageCacheSize)
	}
	switch c.RemoteStrategy {
	case "", "cfi", "threads":
	default:
		return fmt.Errorf("unknown remote-strategy %q", c.RemoteStrategy)
	}
	return nil
}

// ResolverConfig returns the debug info search configuration of c.
func (c *Config) ResolverConfig() symbolize.Config {
	return symbolize.Config{
		DebugInfoDirectories: append([]string(nil), c.DebugInfoDirectories...),
		Debuginfod:           c.Debuginfod,
		ImageCacheSize:       c.ImageCacheSize,
	}
}

// LoadConfig attempts to populate a Config object from the config.yml file,
// creating a commented default file if there is none. Problems are
// reported on stderr and result in the default configuration.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not create config directory: %v.\n", err)
		return Default()
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to get config file path: %v.\n", err)
		return Default()
	}
	if _, err := os.Stat(fullConfigFile); os.IsNotExist(err) {
		if f, err := createDefaultConfig(fullConfigFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config file: %v\n", err)
		} else {
			f.Close()
		}
	}

	c, err := LoadConfigFile(fullConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v.\n", err)
		return Default()
	}
	return c
}

// LoadConfigFile reads and validates the config file at path.
func LoadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}

	c := Default()
	err = yaml.Unmarshal(data, c)
	if err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %v", path, err)
	}
	return c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	return f, nil
}

func writeDefaultConfig(w io.Writer) error {
	_, err := io.WriteString(w,
		`# Configuration file for stackunwind.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# List of directories to use when searching for separate debug info files.
debug-info-directories: ["/usr/lib/debug/.build-id"]

# Download missing debug info with debuginfod-find (needs DEBUGINFOD_URLS).
# debuginfod: true

# Maximum number of frames of a stack (at most 100).
# max-frames: 100

# Lowest address read while walking a stack.
# min-frame-address: 4096

# Number of module images kept open while symbolizing.
# image-cache-size: 32

# Default strategy of the remote command: cfi or threads.
# remote-strategy: cfi
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
// $XDG_CONFIG_HOME/stackunwind is used when XDG_CONFIG_HOME is set,
// ~/.stackunwind otherwise.
func GetConfigFilePath(file string) (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, configDir, file), nil
	}

	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return filepath.Join(userHomeDir, configDirHidden, file), nil
}
