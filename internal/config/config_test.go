package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/reviewpulse/credit-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: "8080"
  environment: development
database:
  type: sqlite
  file_path: credits.db
cycle:
  cron_secret: topsecret
  concurrency: 8
plans:
  grower: 150
features:
  rank_check: 3
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "development", cfg.Server.Environment)
	assert.Equal(t, models.SQLite, cfg.Database.Type)
	assert.Equal(t, "topsecret", cfg.Cycle.CronSecret)
	assert.Equal(t, 8, cfg.Cycle.Concurrency)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile_RejectsNonYAML(t *testing.T) {
	_, err := LoadFromFile("config.json")
	assert.Error(t, err)
}

func TestLoadFromFile_RejectsTraversal(t *testing.T) {
	_, err := LoadFromFile("../../etc/passwd.yaml")
	assert.Error(t, err)
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("CRON_SECRET", "from-env")
	os.Unsetenv("UNSET_VAR")

	content := `
secret: ${CRON_SECRET}
fallback: ${UNSET_VAR:-default-value}
empty: ${UNSET_VAR}
`
	result := substituteEnvVars(content)
	assert.Contains(t, result, "secret: from-env")
	assert.Contains(t, result, "fallback: default-value")
	assert.Contains(t, result, "empty: \n")
}

func TestTierCreditsAndFeatureCost(t *testing.T) {
	cfg := &Config{
		Plans:    models.PlansConfig{models.PlanGrower: 150},
		Features: models.FeaturesConfig{"rss_post": 4},
	}

	assert.Equal(t, int64(150), cfg.TierCredits(models.PlanGrower))
	assert.Equal(t, int64(200), cfg.TierCredits(models.PlanBuilder))
	assert.Equal(t, int64(4), cfg.FeatureCost("rss_post"))
	assert.Equal(t, int64(1), cfg.FeatureCost("review_match"))
	assert.Equal(t, int64(0), cfg.FeatureCost("unknown"))
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, cfg.Validate())

	cfg.Database = &models.DatabaseConfig{}
	assert.Error(t, cfg.Validate())

	cfg.Database.Type = models.PostgreSQL
	assert.NoError(t, cfg.Validate())

	cfg.Plans = models.PlansConfig{models.PlanGrower: -5}
	assert.Error(t, cfg.Validate())

	cfg.Plans = nil
	cfg.Features = models.FeaturesConfig{"rank_check": 0}
	assert.Error(t, cfg.Validate())
}
