package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const validTOML = `
language_code = "en-US"

[logging]
level = "debug"

[statefile]
path = "/tmp/state.bin"

[[datacenters]]
id = 2
addresses = ["149.154.167.51:443"]

[[rsa_keys]]
fingerprint = 14101943622620965665
modulus = "1234567890123456789012345678901234567890"
exponent = 65537
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTemp(t, validTOML)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Datacenters, 1)
	require.Equal(t, int32(2), cfg.Datacenters[0].ID)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejectsNoDatacenters(t *testing.T) {
	path := writeTemp(t, `
[[rsa_keys]]
fingerprint = 1
modulus = "123"
exponent = 65537
`)
	_, err := Load(path)
	require.ErrorIs(t, err, ErrNoDatacenters)
}

func TestLoadRejectsNoRSAKeys(t *testing.T) {
	path := writeTemp(t, `
[[datacenters]]
id = 1
addresses = ["1.2.3.4:443"]
`)
	_, err := Load(path)
	require.ErrorIs(t, err, ErrNoRSAKeys)
}

func TestLoadRejectsNonNumericModulus(t *testing.T) {
	path := writeTemp(t, `
[[datacenters]]
id = 1
addresses = ["1.2.3.4:443"]

[[rsa_keys]]
fingerprint = 1
modulus = "not-a-number"
exponent = 65537
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsInvalidLanguageTag(t *testing.T) {
	path := writeTemp(t, `
language_code = "???"

[[datacenters]]
id = 1
addresses = ["1.2.3.4:443"]

[[rsa_keys]]
fingerprint = 1
modulus = "123456789"
exponent = 65537
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadDefaultsLoggingLevel(t *testing.T) {
	path := writeTemp(t, `
[[datacenters]]
id = 1
addresses = ["1.2.3.4:443"]

[[rsa_keys]]
fingerprint = 1
modulus = "123456789"
exponent = 65537
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "info", cfg.Logging.Level)
}
