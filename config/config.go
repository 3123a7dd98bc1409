// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config loads the ledger daemon configuration. Precedence is
// flags over environment (LEDGER_ prefix) over config file over defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the full daemon configuration.
type Config struct {
	ListenAddr string `mapstructure:"listen-addr"`
	BaseURI    string `mapstructure:"base-uri"`
	LogLevel   string `mapstructure:"log-level"`

	DB     DBConfig     `mapstructure:"db"`
	TLS    TLSConfig    `mapstructure:"tls"`
	Notify NotifyConfig `mapstructure:"notify"`
}

// DBConfig selects and locates the backing database.
type DBConfig struct {
	// Type is "memdb" or a disk-backed engine name understood by the
	// database factory ("leveldb", "pebbledb").
	Type string `mapstructure:"type"`
	Dir  string `mapstructure:"dir"`
}

// TLSConfig enables HTTPS and client-certificate authentication. Client
// certificates are requested but not required at the TLS layer;
// authorization is enforced above.
type TLSConfig struct {
	CertFile     string `mapstructure:"cert-file"`
	KeyFile      string `mapstructure:"key-file"`
	ClientCAFile string `mapstructure:"client-ca-file"`
	CRLFile      string `mapstructure:"crl-file"`
}

// Enabled reports whether the server should terminate TLS.
func (c TLSConfig) Enabled() bool { return c.CertFile != "" && c.KeyFile != "" }

// NotifyConfig tunes the notification delivery workers.
type NotifyConfig struct {
	Workers              int           `mapstructure:"workers"`
	MaxAttempts          int           `mapstructure:"max-attempts"`
	InitialRetryInterval time.Duration `mapstructure:"initial-retry-interval"`
	MaxRetryInterval     time.Duration `mapstructure:"max-retry-interval"`
	RequestTimeout       time.Duration `mapstructure:"request-timeout"`
}

// Flags returns the pflag set binding the top-level settings.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("ledger", pflag.ContinueOnError)
	fs.String("listen-addr", ":3000", "address the HTTP server listens on")
	fs.String("base-uri", "http://localhost:3000", "absolute URI the ledger identifies resources under")
	fs.String("log-level", "info", "log verbosity")
	fs.String("db.type", "memdb", "database backend (memdb, leveldb, pebbledb)")
	fs.String("db.dir", "", "database directory for disk-backed backends")
	return fs
}

// Load resolves the configuration. path optionally names a config file.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetDefault("listen-addr", ":3000")
	v.SetDefault("base-uri", "http://localhost:3000")
	v.SetDefault("log-level", "info")
	v.SetDefault("db.type", "memdb")
	v.SetDefault("db.dir", "")
	v.SetDefault("notify.workers", 2)
	v.SetDefault("notify.max-attempts", 10)
	v.SetDefault("notify.initial-retry-interval", 500*time.Millisecond)
	v.SetDefault("notify.max-retry-interval", time.Minute)
	v.SetDefault("notify.request-timeout", 10*time.Second)

	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, err
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.BaseURI = strings.TrimRight(cfg.BaseURI, "/")
	if cfg.Notify.Workers = cast.ToInt(v.Get("notify.workers")); cfg.Notify.Workers < 1 {
		return nil, fmt.Errorf("notify.workers must be at least 1")
	}
	return &cfg, nil
}
