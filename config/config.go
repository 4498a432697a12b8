// Package config loads and validates the client's TOML configuration
// file: datacenter seed addresses, the RSA public keys used for the
// handshake, the statefile location, logging
// level, and the preferred UI language. There is no teacher analog
// (the katzenpost client configures itself at the call site rather
// than from a file); this package is grounded directly on spec §8 and
// follows the BurntSushi/toml decode-into-struct idiom the rest of the
// katzenpost ecosystem uses for its server and client configs.
package config

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/BurntSushi/toml"
	"github.com/carlmjohnson/versioninfo"
	"golang.org/x/text/language"
)

// RSAKey is one datacenter public key, as shipped in the config file
// in decimal string form (big.Int doesn't round-trip through TOML
// natively).
type RSAKey struct {
	Fingerprint uint64 `toml:"fingerprint"`
	Modulus     string `toml:"modulus"`
	Exponent    int64  `toml:"exponent"`
}

// Datacenter is one seed address a Client may dial.
type Datacenter struct {
	ID        int32    `toml:"id"`
	Addresses []string `toml:"addresses"`
}

// Config is the top-level decoded TOML document. Field names follow
// the application-identity parameters the facade (C7) needs to supply
// during login (app id/hash, device/system identification) rather than
// a generic key/value bag.
type Config struct {
	Logging struct {
		Level string `toml:"level"`
	} `toml:"logging"`

	Statefile struct {
		Path string `toml:"path"`
	} `toml:"statefile"`

	AppID          int32  `toml:"app_id"`
	AppHash        string `toml:"app_hash"`
	ClientVersion  string `toml:"client_version"`
	DeviceModel    string `toml:"device_model"`
	SystemVersion  string `toml:"system_version"`
	LanguageCode   string `toml:"language_code"`
	DownloadDir    string `toml:"download_dir"`

	Datacenters []Datacenter `toml:"datacenters"`
	RSAKeys     []RSAKey     `toml:"rsa_keys"`
}

// ErrNoDatacenters is returned when a config names zero datacenters.
var ErrNoDatacenters = errors.New("config: at least one datacenter is required")

// ErrNoRSAKeys is returned when a config names zero RSA keys; the
// handshake cannot proceed without at least one to encrypt the PQ
// inner data under.
var ErrNoRSAKeys = errors.New("config: at least one rsa_keys entry is required")

// Load decodes and validates the TOML file at path.
func Load(path string) (*Config, error) {
	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown keys in %s: %v", path, undecoded)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural invariants the decoder itself can't
// enforce: at least one datacenter and one RSA key, a well-formed
// modulus for each key, and (if set) a BCP 47 language tag.
func (c *Config) Validate() error {
	if len(c.Datacenters) == 0 {
		return ErrNoDatacenters
	}
	if len(c.RSAKeys) == 0 {
		return ErrNoRSAKeys
	}
	for _, k := range c.RSAKeys {
		if _, ok := new(big.Int).SetString(k.Modulus, 10); !ok {
			return fmt.Errorf("config: rsa key %d has a non-numeric modulus", k.Fingerprint)
		}
	}
	if c.LanguageCode != "" {
		if _, err := language.Parse(c.LanguageCode); err != nil {
			return fmt.Errorf("config: invalid language_code %q: %w", c.LanguageCode, err)
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.ClientVersion == "" {
		c.ClientVersion = versioninfo.Short()
	}
	return nil
}
