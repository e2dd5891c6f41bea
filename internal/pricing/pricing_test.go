package pricing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCost(t *testing.T) {
	table := NewTable(map[string]ModelPrice{
		"test-model": {InputPerMillion: 2, CachedInputPerMillion: 1, OutputPerMillion: 10},
		"no-cache":   {InputPerMillion: 2, OutputPerMillion: 10},
	}, ModelPrice{InputPerMillion: 1, OutputPerMillion: 1})

	t.Run("Cached tokens are billed at the cached rate", func(t *testing.T) {
		// 600k обычных * 2 + 400k кэшированных * 1 + 100k * 10 = 1.2 + 0.4 + 1.0
		cost := table.Cost("test-model", 1_000_000, 400_000, 100_000)
		assert.InDelta(t, 2.6, cost, 1e-9)
	})

	t.Run("Missing cached rate falls back to input rate", func(t *testing.T) {
		cost := table.Cost("no-cache", 1_000_000, 500_000, 0)
		assert.InDelta(t, 2.0, cost, 1e-9)
	})

	t.Run("Provider prefix is stripped", func(t *testing.T) {
		assert.Equal(t, table.Cost("test-model", 1000, 0, 1000), table.Cost("openai/Test-Model", 1000, 0, 1000))
	})

	t.Run("Unknown model uses fallback", func(t *testing.T) {
		assert.InDelta(t, 2.0, table.Cost("mystery", 1_000_000, 0, 1_000_000), 1e-9)
	})

	t.Run("Cached tokens above prompt tokens are clamped", func(t *testing.T) {
		assert.InDelta(t, 1.0, table.Cost("test-model", 1_000_000, 2_000_000, 0), 1e-9)
	})
}

func TestLoad(t *testing.T) {
	t.Run("Empty path returns defaults", func(t *testing.T) {
		table, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, defaultPrices["gpt-4o-mini"], table.Price("gpt-4o-mini"))
	})

	t.Run("File overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pricing.yaml")
		content := `
default:
  input_per_million: 5
  output_per_million: 5
models:
  gpt-4o-mini:
    input_per_million: 1
    cached_input_per_million: 0.5
    output_per_million: 2
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		table, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, ModelPrice{InputPerMillion: 1, CachedInputPerMillion: 0.5, OutputPerMillion: 2}, table.Price("gpt-4o-mini"))
		assert.Equal(t, ModelPrice{InputPerMillion: 5, OutputPerMillion: 5}, table.Price("unknown"))
		assert.Equal(t, defaultPrices["gpt-4o"], table.Price("gpt-4o"))
	})

	t.Run("Missing file is an error", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})
}
