package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cyberinferno/go-plebnet/dispatcher"
	"github.com/cyberinferno/go-plebnet/logger"
)

// Config is the demo's settings, merged from flags, PLEBNET_* environment
// variables and an optional config file.
type Config struct {
	Log       LogConfig      `mapstructure:"log"`
	Transport string         `mapstructure:"transport"`
	Host      string         `mapstructure:"host"`
	Port      int            `mapstructure:"port"`
	Interval  time.Duration  `mapstructure:"interval"`
	Count     int            `mapstructure:"count"`
	Dispatch  DispatchConfig `mapstructure:"dispatch"`
	Datagram  DatagramConfig `mapstructure:"datagram"`
}

// LogConfig selects the logger built by newLogger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// DispatchConfig mirrors dispatcher.Config.
type DispatchConfig struct {
	MaxConcurrency int64 `mapstructure:"max_concurrency"`
	Unordered      bool  `mapstructure:"unordered"`
}

// DatagramConfig holds the UDP-only settings.
type DatagramConfig struct {
	MaxPacketSize      int           `mapstructure:"max_packet_size"`
	SessionIdleTimeout time.Duration `mapstructure:"session_idle_timeout"`
}

// flagKeys maps config keys to the flag that sets them.
var flagKeys = map[string]string{
	"log.level":                     "log-level",
	"log.format":                    "log-format",
	"log.file":                      "log-file",
	"transport":                     "transport",
	"host":                          "host",
	"port":                          "port",
	"interval":                      "interval",
	"count":                         "count",
	"dispatch.max_concurrency":      "max-concurrency",
	"dispatch.unordered":            "unordered",
	"datagram.max_packet_size":      "max-packet-size",
	"datagram.session_idle_timeout": "session-idle-timeout",
}

func addCommonFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("transport", "t", "tcp", "tcp or udp")
	cmd.Flags().StringP("host", "H", "localhost", "host the client connects to")
	cmd.Flags().IntP("port", "p", 5000, "port to serve on (0 picks a free port)")
	cmd.Flags().Int64("max-concurrency", 64, "maximum concurrently running callbacks")
	cmd.Flags().Bool("unordered", false, "deliver callbacks without per-peer ordering")
	cmd.Flags().Int("max-packet-size", 1024, "maximum UDP payload in bytes")
	cmd.Flags().Duration("session-idle-timeout", 0, "expire idle UDP sessions after this long (0 keeps them)")
}

func loadConfig(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	for key, name := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}

	v.SetEnvPrefix("plebnet")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	return cfg, nil
}

func (c *Config) dispatch() dispatcher.Config {
	cfg := dispatcher.DefaultConfig()
	if c.Dispatch.MaxConcurrency > 0 {
		cfg.MaxConcurrency = c.Dispatch.MaxConcurrency
	}
	cfg.Unordered = c.Dispatch.Unordered
	return cfg
}

func newLogger(c LogConfig) (logger.Logger, error) {
	level := logger.ParseLevel(c.Level)

	if c.File != "" {
		return logger.NewZerologFileLogger("plebnet", logger.FileOptions{Path: c.File}, level, os.Stderr)
	}

	if strings.EqualFold(c.Format, "json") {
		return logger.NewZerologLogger(zerolog.New(os.Stderr), "plebnet", level), nil
	}

	return logger.NewConsoleLogger("plebnet", level), nil
}
