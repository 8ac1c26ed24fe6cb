package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsProduceAValidConfig(t *testing.T) {
	var hs HomeServer
	hs.Defaults(DefaultOpts{Generate: true})

	var errs ConfigErrors
	hs.Verify(&errs)
	assert.Empty(t, errs, "generated defaults must pass verification: %v", errs)
}

func TestVerifyCatchesMissingServerName(t *testing.T) {
	var hs HomeServer
	hs.Defaults(DefaultOpts{Generate: true})
	hs.Global.ServerName = ""

	var errs ConfigErrors
	hs.Verify(&errs)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs.Error(), "global.server_name")
}

func TestVerifyCatchesBadListenAddress(t *testing.T) {
	var hs HomeServer
	hs.Defaults(DefaultOpts{Generate: true})
	hs.FederationAPI.ListenAddress = "not-a-host-port"

	var errs ConfigErrors
	hs.Verify(&errs)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs.Error(), "federation_api.listen_address")
}

func TestVerifyCatchesBackoffMaxBelowBase(t *testing.T) {
	var hs HomeServer
	hs.Defaults(DefaultOpts{Generate: true})
	hs.Sending.BackoffBase = 100
	hs.Sending.BackoffMax = 10

	var errs ConfigErrors
	hs.Verify(&errs)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs.Error(), "backoff_max_seconds must be")
}

func TestLoadParsesYAMLAndOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "homeserver.yaml")
	contents := `
global:
  server_name: example.org
  database_path: /var/lib/homeserver/db
  trusted_key_servers:
    - matrix.org
federation_api:
  listen_address: ":8448"
  client_timeout_seconds: 45
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	hs, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "example.org", hs.Global.ServerName)
	assert.Equal(t, Path("/var/lib/homeserver/db"), hs.Global.DatabasePath)
	assert.Equal(t, []string{"matrix.org"}, hs.Global.TrustedKeyServers)
	assert.Equal(t, DurationSeconds(45), hs.FederationAPI.ClientTimeout)
	// Untouched nested sections still got their defaults.
	assert.Equal(t, 50, hs.Sending.MaxPDUsPerTransaction)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "homeserver.yaml")
	contents := `
global:
  database_path: /var/lib/homeserver/db
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "global.server_name")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
