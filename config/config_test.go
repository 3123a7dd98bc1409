// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	require := require.New(t)

	cfg, err := Load("", nil)
	require.NoError(err)
	require.Equal(":3000", cfg.ListenAddr)
	require.Equal("http://localhost:3000", cfg.BaseURI)
	require.Equal("memdb", cfg.DB.Type)
	require.Equal(2, cfg.Notify.Workers)
	require.Equal(10, cfg.Notify.MaxAttempts)
	require.Equal(time.Minute, cfg.Notify.MaxRetryInterval)
	require.False(cfg.TLS.Enabled())
}

func TestLoadFile(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(os.WriteFile(path, []byte(`
listen-addr: ":8080"
base-uri: "https://ledger.example.com/"
db:
  type: leveldb
  dir: /var/lib/ledger
notify:
  workers: 4
tls:
  cert-file: /etc/ledger/tls.crt
  key-file: /etc/ledger/tls.key
`), 0o600))

	cfg, err := Load(path, nil)
	require.NoError(err)
	require.Equal(":8080", cfg.ListenAddr)
	// Trailing slash is trimmed so URI joins stay clean.
	require.Equal("https://ledger.example.com", cfg.BaseURI)
	require.Equal("leveldb", cfg.DB.Type)
	require.Equal("/var/lib/ledger", cfg.DB.Dir)
	require.Equal(4, cfg.Notify.Workers)
	require.True(cfg.TLS.Enabled())
}

func TestLoadFlagsOverride(t *testing.T) {
	require := require.New(t)

	fs := Flags()
	require.NoError(fs.Parse([]string{"--listen-addr", ":9999", "--db.type", "pebbledb"}))

	cfg, err := Load("", fs)
	require.NoError(err)
	require.Equal(":9999", cfg.ListenAddr)
	require.Equal("pebbledb", cfg.DB.Type)
}

func TestLoadRejectsBadWorkerCount(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(os.WriteFile(path, []byte("notify:\n  workers: 0\n"), 0o600))

	_, err := Load(path, nil)
	require.Error(err)
}
