package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	settings, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, EnvProd, settings.Environment)
	assert.Equal(t, "https://api.valr.com", settings.Venue.RESTURL)
	assert.Equal(t, 25, settings.Book.ChecksumLevels)
}

func TestLoadLayersFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marlin.yaml")
	body := []byte(`
environment: dev
logLevel: debug
instruments: ["BTC-ZAR", "ETH-ZAR"]
venue:
  restURL: https://staging.example.com
  marketWSURL: wss://staging.example.com/ws/trade
  accountWSURL: wss://staging.example.com/ws/account
  pingInterval: 15s
reconciliation:
  gracePeriod: 3s
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	settings, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, EnvDev, settings.Environment)
	assert.Equal(t, "https://staging.example.com", settings.Venue.RESTURL)
	assert.Equal(t, []string{"BTC-ZAR", "ETH-ZAR"}, settings.Instruments)
	// Unset file values keep defaults.
	assert.Equal(t, Default().Reconciliation.StatusQuietWindow, settings.Reconciliation.StatusQuietWindow)
}

func TestLoadEnvCredentialOverride(t *testing.T) {
	t.Setenv("MARLIN_API_KEY", "env-key")
	t.Setenv("MARLIN_API_SECRET", "env-secret")

	settings, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "env-key", settings.Venue.Credentials.APIKey)
	assert.Equal(t, "env-secret", settings.Venue.Credentials.APISecret)
}

func TestValidateRejectsBadInstrument(t *testing.T) {
	settings := Default()
	settings.Instruments = []string{"BTCZAR"}
	assert.Error(t, settings.Validate())
}

func TestValidateRejectsJournalWithoutDSN(t *testing.T) {
	settings := Default()
	settings.Journal.Enabled = true
	assert.Error(t, settings.Validate())
}
