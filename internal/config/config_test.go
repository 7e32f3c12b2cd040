package config_test

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/appt-scheduler/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := config.FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "postgres", cfg.Store)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.Tick)
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.BackoffCeiling)
	assert.Equal(t, 120*time.Second, cfg.Verify.Timeout)
	assert.Equal(t, 5*time.Second, cfg.Verify.PollInterval)
	assert.Equal(t, "dir", cfg.Artifacts.Backend)

	assert.ErrorContains(t, cfg.RequireKeys(), "COOKIE_HASH_KEY")
}

func TestKeysFromValueOrFile(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	enc := base64.StdEncoding.EncodeToString(key)
	path := filepath.Join(t.TempDir(), "data.key")
	require.NoError(t, os.WriteFile(path, []byte(enc+"\n"), 0o600))

	t.Setenv("APPTSCHED_COOKIE_HASH_KEY", enc)
	t.Setenv("APPTSCHED_COOKIE_BLOCK_KEY", enc)
	t.Setenv("APPTSCHED_DATA_KEY", path)

	cfg, err := config.FromEnv()
	require.NoError(t, err)
	assert.Equal(t, key, cfg.CookieHashKey)
	assert.Equal(t, key, cfg.DataKey)
	assert.NoError(t, cfg.RequireKeys())
}

func TestGroupedSettingsUseTopLevelNames(t *testing.T) {
	t.Setenv("APPTSCHED_SMTP_ADDR", "smtp.example.com:587")
	t.Setenv("APPTSCHED_SCHED_TICK", "5s")
	t.Setenv("APPTSCHED_STAGE_TIMEOUT", "45s")
	t.Setenv("APPTSCHED_VERIFY_TIMEOUT", "90s")
	t.Setenv("APPTSCHED_IMAP_ADDR", "imap.example.com:993")
	t.Setenv("APPTSCHED_ARTIFACT_BACKEND", "none")

	cfg, err := config.FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com:587", cfg.SMTP.Addr)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.Tick)
	assert.Equal(t, 45*time.Second, cfg.Driver.StageTimeout)
	assert.Equal(t, 90*time.Second, cfg.Verify.Timeout)
	assert.Equal(t, "imap.example.com:993", cfg.Verify.IMAPAddr)
	assert.Equal(t, "none", cfg.Artifacts.Backend)
}

func TestRejects(t *testing.T) {
	for name, env := range map[string][2]string{
		"store":        {"APPTSCHED_STORE", "sqlite"},
		"bad key":      {"APPTSCHED_DATA_KEY", "not base64!"},
		"tick":         {"APPTSCHED_SCHED_TICK", "0s"},
		"multiplier":   {"APPTSCHED_SCHED_BACKOFF_MULTIPLIER", "1"},
		"poll > stage": {"APPTSCHED_STAGE_POLL_INTERVAL", "1m"},
		"artifacts":    {"APPTSCHED_ARTIFACT_BACKEND", "s3"},
	} {
		t.Run(name, func(t *testing.T) {
			t.Setenv(env[0], env[1])
			_, err := config.FromEnv()
			assert.Error(t, err)
		})
	}
}
