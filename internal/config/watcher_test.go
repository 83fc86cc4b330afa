package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mad-Labs42/ZED42/internal/profile"
	"github.com/Mad-Labs42/ZED42/internal/rates"
)

func TestReloadReplacesRatesAndProfiles(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	t.Setenv("ZED42_TEST_KEY", "sk")

	table := rates.NewTable(nil)
	resolver := profile.NewResolver(nil)
	w := &Watcher{path: path, rates: table, profiles: resolver}

	w.reload()

	_, err := table.Lookup("hosted-large")
	require.NoError(t, err)

	p, err := resolver.Resolve("anyone")
	require.NoError(t, err)
	assert.Len(t, p.Tiers, 2)
}

func TestReloadKeepsStateOnBrokenConfig(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	t.Setenv("ZED42_TEST_KEY", "sk")

	table := rates.NewTable(nil)
	resolver := profile.NewResolver(nil)
	w := &Watcher{path: path, rates: table, profiles: resolver}
	w.reload()

	// Corrupt the file; the previous table must survive.
	require.NoError(t, os.WriteFile(path, []byte("rates: [broken"), 0o600))
	w.reload()

	_, err := table.Lookup("hosted-large")
	assert.NoError(t, err, "bad reload must not wipe the live table")
}
