// Package config holds the operational (non-ABI) parameters of the
// sawbuck runtime: cache page size, stack depth, reporting period and
// shadow table size. None of these affect the shadow encoding itself.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".sawbuck"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// MaxNumFrames is the maximum number of return addresses kept for each
	// stack capture. Only affects captures created after the cache is built.
	MaxNumFrames *int `yaml:"max-num-frames,omitempty"`

	// CompressionReportingPeriod is the number of stack save operations
	// between reports of the stack cache compression ratio. Zero disables
	// periodic reporting.
	CompressionReportingPeriod uint64 `yaml:"compression-reporting-period"`

	// CachePageSize is the size in bytes of each stack capture page. Must be
	// a multiple of the system page size.
	CachePageSize *int `yaml:"cache-page-size,omitempty"`

	// ShadowSize is the size in bytes of the shadow table. Each shadow byte
	// covers eight bytes of the address space, so the covered address range
	// is eight times this value.
	ShadowSize *uint64 `yaml:"shadow-size,omitempty"`
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() (*Config, error) {
	err := createConfigPath()
	if err != nil {
		return &Config{}, fmt.Errorf("could not create config directory: %v", err)
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to get config file path: %v", err)
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			return &Config{}, fmt.Errorf("error creating default config file: %v", err)
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("closing config file failed: %v.\n", err)
		}
	}()

	data, err := os.ReadFile(fullConfigFile)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to decode config file: %v", err)
	}

	return &c, nil
}

// SaveConfig will marshal and save the config struct to disk.
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

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for the sawbuck heap shadow runtime.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Maximum number of return addresses kept per stack capture.
# max-num-frames: 62

# Number of stack save operations between compression ratio reports.
# Zero disables periodic reporting.
compression-reporting-period: 0

# Size in bytes of each stack capture page. Must be a multiple of the
# system page size.
# cache-page-size: 1048576

# Size in bytes of the shadow table. Each shadow byte covers eight bytes
# of address space.
# shadow-size: 268435456
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
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
