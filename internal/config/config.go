package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

type Config struct {
	DesktopURL              string `mapstructure:"desktop_url"`
	HandshakeSource         string `mapstructure:"handshake_source"`
	ReconnectIntervalMs     int    `mapstructure:"reconnect_interval_ms"`
	WatchdogIntervalSeconds int    `mapstructure:"watchdog_interval_seconds"`
	DetectIntervalMs        int    `mapstructure:"detect_interval_ms"`
	PlatformsFile           string `mapstructure:"platforms_file"`
	SampleRate              int    `mapstructure:"sample_rate"`
	BufferSize              int    `mapstructure:"buffer_size"`
	BrokerSocket            string `mapstructure:"broker_socket"`
	LogLevel                string `mapstructure:"log_level"`
	LogFormat               string `mapstructure:"log_format"`
	LogFile                 string `mapstructure:"log_file"`
	LogMaxSizeMB            int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups           int    `mapstructure:"log_max_backups"`
}

func Default() *Config {
	return &Config{
		DesktopURL:              "ws://127.0.0.1:8765/bridge",
		HandshakeSource:         "tabscribe-bridge",
		ReconnectIntervalMs:     5000,
		WatchdogIntervalSeconds: 15,
		DetectIntervalMs:        2000,
		SampleRate:              16000,
		BufferSize:              4096,
		LogLevel:                "info",
		LogFormat:               "text",
		LogMaxSizeMB:            50,
		LogMaxBackups:           3,
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("bridge")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("TABSCRIBE")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultPath returns where Load looks first and Save writes when no
// explicit config file is given.
func DefaultPath() string {
	return filepath.Join(configDir(), "bridge.yaml")
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("desktop_url", cfg.DesktopURL)
	viper.Set("handshake_source", cfg.HandshakeSource)
	viper.Set("reconnect_interval_ms", cfg.ReconnectIntervalMs)
	viper.Set("watchdog_interval_seconds", cfg.WatchdogIntervalSeconds)
	viper.Set("detect_interval_ms", cfg.DetectIntervalMs)
	viper.Set("platforms_file", cfg.PlatformsFile)
	viper.Set("sample_rate", cfg.SampleRate)
	viper.Set("buffer_size", cfg.BufferSize)
	viper.Set("broker_socket", cfg.BrokerSocket)
	viper.Set("log_level", cfg.LogLevel)
	viper.Set("log_format", cfg.LogFormat)
	viper.Set("log_file", cfg.LogFile)
	viper.Set("log_max_size_mb", cfg.LogMaxSizeMB)
	viper.Set("log_max_backups", cfg.LogMaxBackups)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = DefaultPath()
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Owner-only: the file controls which local socket the bridge serves
	return os.Chmod(cfgPath, 0600)
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("AppData"), "TabScribe")
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "TabScribe")
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "tabscribe")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "tabscribe")
	}
}
