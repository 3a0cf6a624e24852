package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
data_dir: /var/lib/sendrecv
workers: 2
log_level: debug
accounts:
  - id: work
    store_url: imaps://me@imap.example.com
    transport_url: smtps://me@smtp.example.com
    password: $WORK_PASSWORD
    auto_check: true
    auto_check_interval: 10s
    max_message_size: 25MB
  - id: spool
    enabled: false
    store_url: mbox:///var/mail/me
filters:
  - name: lists
    match: "LIST-ID == 'golang'"
    actions:
      - move: folder://local/Lists
      - stop: true
`

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(cfgPath, []byte(sample), 0o600))
	require.NoError(t, os.WriteFile(envPath, []byte("WORK_PASSWORD=hunter2\n"), 0o600))
	t.Setenv("SENDRECV_WORKERS", "8")
	t.Cleanup(func() { os.Unsetenv("WORK_PASSWORD") })

	cfg, err := LoadConfig(cfgPath, envPath)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/sendrecv", cfg.DataDir)
	assert.Equal(t, filepath.Join("/var/lib/sendrecv", "mail"), cfg.LocalDir)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, FetchNewestFirst, cfg.FetchOrder)
	assert.Equal(t, 250*time.Millisecond, cfg.StatusInterval)
	assert.Equal(t, "work", cfg.DefaultTransport)

	require.Len(t, cfg.Accounts, 2)
	work := cfg.Accounts[0]
	assert.Equal(t, "hunter2", work.Password)
	assert.Equal(t, "work", work.Name)
	assert.True(t, work.IsEnabled())
	assert.Equal(t, MinAutoCheckInterval, work.AutoCheckInterval)
	size, err := work.MaxMessageBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(25_000_000), size)

	assert.False(t, cfg.Accounts[1].IsEnabled())

	require.Len(t, cfg.Filters, 1)
	assert.Equal(t, "folder://local/Lists", cfg.Filters[0].Actions[0].Move)
	assert.True(t, cfg.Filters[0].Actions[1].Stop)

	acc, ok := cfg.Account("spool")
	assert.True(t, ok)
	assert.Equal(t, "mbox:///var/mail/me", acc.StoreURL)
	_, ok = cfg.Account("missing")
	assert.False(t, ok)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"), "")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "missing id", data: "accounts:\n  - store_url: imap://x\n"},
		{name: "reserved id", data: "accounts:\n  - id: local\n    store_url: imap://x\n"},
		{name: "duplicate id", data: "accounts:\n  - id: a\n    store_url: imap://x\n  - id: a\n    store_url: imap://y\n"},
		{name: "no urls", data: "accounts:\n  - id: a\n"},
		{name: "bad size", data: "accounts:\n  - id: a\n    store_url: imap://x\n    max_message_size: lots\n"},
		{name: "bad fetch order", data: "fetch_order: random\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg, err := Parse([]byte("workers: 0\n"))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Empty(t, cfg.DefaultTransport)
}
