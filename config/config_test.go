package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"luxelink/server/internal/models"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "@every 4h", cfg.Ingest.Schedule)
	assert.Equal(t, 30*time.Minute, cfg.Ingest.CycleTimeout)
	assert.Equal(t, 4, cfg.Ingest.AgentWorkers)
	assert.Equal(t, 3, cfg.Processing.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Processing.RetryDelay)
	assert.Equal(t, "5250", cfg.HTTP.Port)
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/luxelink")
	t.Setenv("AGENT_WORKERS", "8")
	t.Setenv("CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 8, cfg.Ingest.AgentWorkers)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.CORSOrigins)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		msg  string
	}{
		{"Postgres without url", map[string]string{"STORE_DRIVER": "postgres"}, "DATABASE_URL"},
		{"Unknown driver", map[string]string{"STORE_DRIVER": "mongo"}, "unsupported STORE_DRIVER"},
		{"No workers", map[string]string{"AGENT_WORKERS": "0"}, "AGENT_WORKERS"},
		{"Telegram without token", map[string]string{"TELEGRAM_ENABLED": "true"}, "TELEGRAM_BOT_TOKEN"},
		{"Origin without scheme", map[string]string{"CORS_ORIGINS": "localhost:3000"}, "CORS_ORIGINS"},
		{"Bad schedule", map[string]string{"SCAN_SCHEDULE": "every tuesday"}, "SCAN_SCHEDULE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

const sampleFile = `
sources:
  - name: marketcheck
    type: http_json
    base_url: https://api.example.com/v2/search
    items_key: listings
    rate_per_second: 2
    concurrency: 3
    params:
      api_key: ${LUXELINK_TEST_KEY}
  - name: fixtures
    type: static
    records:
      - id: X1
        title: 2019 Porsche 911
        url: https://example.com/X1
        price: "$75,000"
agents:
  - id: porsche
    name: Porsche hunter
    criteria:
      maxPrice: 80000
      makes: [Porsche]
      scoreThreshold: 0.6
      weights:
        price: 2
  - id: paused
    enabled: false
`

func TestParseFile(t *testing.T) {
	t.Setenv("LUXELINK_TEST_KEY", "secret")

	f, err := ParseFile([]byte(sampleFile))
	require.NoError(t, err)
	require.Len(t, f.Sources, 2)
	assert.Equal(t, "secret", f.Sources[0].Params["api_key"])
	assert.Equal(t, 3, f.Sources[0].Concurrency)
	assert.Equal(t, "$75,000", f.Sources[1].Records[0]["price"])

	require.Len(t, f.Agents, 2)
	agent, err := f.Agents[0].Agent()
	require.NoError(t, err)
	assert.True(t, agent.Enabled)
	assert.Equal(t, "Porsche hunter", agent.Name)

	criteria, err := models.ParseCriteria(agent.ConfigJSON)
	require.NoError(t, err)
	require.NotNil(t, criteria.MaxPrice)
	assert.Equal(t, 80000.0, *criteria.MaxPrice)
	assert.Equal(t, []string{"Porsche"}, criteria.Makes)
	assert.Equal(t, 0.6, criteria.ScoreThreshold)
	assert.Equal(t, 2.0, criteria.Weights.Price)

	paused, err := f.Agents[1].Agent()
	require.NoError(t, err)
	assert.False(t, paused.Enabled)
	assert.Equal(t, "paused", paused.Name)
	assert.JSONEq(t, `{}`, string(paused.ConfigJSON))
}

func TestParseFile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		msg  string
	}{
		{"Unknown type", "sources:\n  - name: a\n    type: ftp\n", "unknown type"},
		{"Duplicate source", "sources:\n  - name: a\n    type: static\n  - name: a\n    type: static\n", "duplicate source"},
		{"HTTP without url", "sources:\n  - name: a\n    type: http_json\n", "base_url is required"},
		{"Agent without id", "agents:\n  - name: nobody\n", "agent without an id"},
		{"Not yaml", "sources: [", "failed to parse config file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFile([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleFile), 0o644))

	f, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, f.Agents, 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
