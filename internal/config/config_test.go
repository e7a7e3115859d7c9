package config_test

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aretw0/parley/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cfg, err := config.Parse(`
[llm]
provider = "anthropic"
model = "claude-test"
temperature = 0.3
attempt_timeout = "15s"

[storage]
driver = "redis"

[storage.redis]
addr = "redis:6379"
lock = true
ttl = "24h"

[pii]
patterns = ['\d{3}-\d{2}-\d{4}']
`)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	require.NotNil(t, cfg.LLM.Temperature)
	assert.InDelta(t, 0.3, *cfg.LLM.Temperature, 1e-9)
	assert.Equal(t, 15*time.Second, cfg.LLM.AttemptTimeout.Duration)
	assert.Equal(t, 3*time.Minute, cfg.LLM.TotalTimeout.Duration, "unset values keep defaults")
	assert.Equal(t, "redis:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, 24*time.Hour, cfg.Storage.Redis.TTL.Duration)
	assert.Equal(t, "parley:", cfg.Storage.Redis.Prefix)
	assert.Equal(t, []string{`\d{3}-\d{2}-\d{4}`}, cfg.PII.Patterns)
}

func TestParse_Invalid(t *testing.T) {
	_, err := config.Parse(`
[llm]
provider = "nope"
[storage]
driver = "mongo"
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm.provider")
	assert.Contains(t, err.Error(), "storage.driver")

	_, err = config.Parse(`[llm]
attempt_timeout = "soon"`)
	assert.Error(t, err)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
addr = ":9000"
[agents]
dir = "defs"
`), 0o644))
	t.Setenv("PARLEY_AGENTS_DIR", "from-env")
	t.Setenv("PARLEY_REDIS_DB", "3")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "from-env", cfg.Agents.Dir)
	assert.Equal(t, 3, cfg.Storage.Redis.DB)

	t.Setenv("PARLEY_REDIS_DB", "three")
	_, err = config.Load(path)
	assert.Error(t, err)
}

func TestAPIKey(t *testing.T) {
	cfg := config.New()
	t.Setenv("OPENAI_API_KEY", "sk-default")
	assert.Equal(t, "sk-default", cfg.APIKey())

	cfg.LLM.APIKeyEnv = "MY_KEY"
	t.Setenv("MY_KEY", "sk-custom")
	assert.Equal(t, "sk-custom", cfg.APIKey())
}

func TestEncryptionKeys(t *testing.T) {
	cfg := config.New()
	_, _, ok, err := cfg.EncryptionKeys()
	require.NoError(t, err)
	assert.False(t, ok)

	active := make([]byte, 32)
	old := make([]byte, 32)
	old[0] = 1
	t.Setenv("ENC_KEY", base64.StdEncoding.EncodeToString(active))
	t.Setenv("ENC_OLD", base64.StdEncoding.EncodeToString(old))
	cfg.Encryption.KeyEnv = "ENC_KEY"
	cfg.Encryption.FallbackKeyEnvs = []string{"ENC_OLD"}

	gotActive, fallback, ok, err := cfg.EncryptionKeys()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, active, gotActive)
	assert.Equal(t, [][]byte{old}, fallback)

	cfg.Encryption.FallbackKeyEnvs = []string{"ENC_MISSING"}
	_, _, _, err = cfg.EncryptionKeys()
	assert.Error(t, err)
}
