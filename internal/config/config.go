// Package config loads relay settings from the environment, an optional
// .env file and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every runtime setting of the relay.
type Config struct {
	Addr            string        `env:"CHATRELAY_ADDR" envDefault:"0.0.0.0:8000"`
	Port            string        `env:"PORT"`
	StoreURL        string        `env:"CHATRELAY_STORE_URL" envDefault:"sqlite://chatrelay.db"`
	HistoryLimit    int           `env:"CHATRELAY_HISTORY_LIMIT" envDefault:"50"`
	SendBuffer      int           `env:"CHATRELAY_SEND_BUFFER" envDefault:"64"`
	Debug           bool          `env:"CHATRELAY_DEBUG"`
	LogFormat       string        `env:"CHATRELAY_LOG_FORMAT" envDefault:"text"`
	WTAddr          string        `env:"CHATRELAY_WT_ADDR"`
	WTHost          string        `env:"CHATRELAY_WT_HOST"`
	StatsInterval   time.Duration `env:"CHATRELAY_STATS_INTERVAL" envDefault:"10s"`
	OTelEndpoint    string        `env:"CHATRELAY_OTEL_ENDPOINT"`
	TestBotRoom     string        `env:"CHATRELAY_TESTBOT_ROOM"`
	TestBotInterval time.Duration `env:"CHATRELAY_TESTBOT_INTERVAL" envDefault:"5s"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load reads .env (if present), the environment, then args through fs.
// A bare PORT is honoured when CHATRELAY_ADDR is unset.
func Load(fs *flag.FlagSet, args []string) (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if _, set := os.LookupEnv("CHATRELAY_ADDR"); !set && cfg.Port != "" {
		cfg.Addr = "0.0.0.0:" + cfg.Port
	}

	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP/WebSocket listen address")
	fs.StringVar(&cfg.StoreURL, "store", cfg.StoreURL, "message store URL (sqlite://, mongodb://, redis://)")
	fs.IntVar(&cfg.HistoryLimit, "history-limit", cfg.HistoryLimit, "messages returned by request-history")
	fs.IntVar(&cfg.SendBuffer, "send-buffer", cfg.SendBuffer, "outbound queue size per session")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging (auto-enabled for dev builds)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: text or json")
	fs.StringVar(&cfg.WTAddr, "wt-addr", cfg.WTAddr, "WebTransport (UDP) listen address; empty disables it")
	fs.StringVar(&cfg.WTHost, "wt-host", cfg.WTHost, "hostname for the WebTransport certificate")
	fs.DurationVar(&cfg.StatsInterval, "stats-interval", cfg.StatsInterval, "stats log interval; 0 disables it")
	fs.StringVar(&cfg.TestBotRoom, "testbot-room", cfg.TestBotRoom, "room the test bot posts heartbeats to; empty disables it")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting, joined.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if strings.TrimSpace(c.StoreURL) == "" {
		errs = append(errs, errors.New("store url is required"))
	}
	if c.HistoryLimit <= 0 {
		errs = append(errs, fmt.Errorf("history limit must be positive, got %d", c.HistoryLimit))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("send buffer must be positive, got %d", c.SendBuffer))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log format must be text or json, got %q", c.LogFormat))
	}
	if c.TestBotRoom != "" && c.TestBotInterval <= 0 {
		errs = append(errs, errors.New("test bot interval must be positive"))
	}
	return errors.Join(errs...)
}
