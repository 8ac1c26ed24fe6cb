package config

import (
	"net/url"
	"strings"
)

// Global holds settings shared by every component: the server's own
// name, where its bbolt store lives on disk, and which remote servers
// it asks as notaries for signing keys it cannot fetch directly.
type Global struct {
	// ServerName is this homeserver's federation name, e.g. "matrix.org".
	ServerName string `yaml:"server_name"`

	// DatabasePath is the bbolt file backing internal/kvstore.
	DatabasePath Path `yaml:"database_path"`

	// TrustedKeyServers are the notary servers queried, in order, for a
	// remote server's signing keys when fetching them directly from that
	// server fails, mirroring dendrite's key_server.trusted_key_servers.
	TrustedKeyServers []string `yaml:"trusted_key_servers"`

	// KeyValidityPeriod sets how far past the current time the
	// valid_until_ts of this server's own published signing key lies;
	// it does not bound the caching of remote servers' keys.
	KeyValidityPeriod DurationSeconds `yaml:"key_validity_period"`

	// Sentry configures optional crash reporting, mirroring dendrite's
	// global.sentry block.
	Sentry Sentry `yaml:"sentry"`
}

// Sentry holds the optional Sentry DSN crash-reporting configuration.
type Sentry struct {
	Enabled     bool   `yaml:"enabled"`
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

func (c *Global) Defaults(opts DefaultOpts) {
	c.KeyValidityPeriod = DurationSeconds(24 * 60 * 60)
	if opts.Generate {
		c.ServerName = "localhost"
		c.DatabasePath = "./homeserver.db"
		c.TrustedKeyServers = []string{"matrix.org"}
	}
}

func (c *Global) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "global.server_name", c.ServerName)
	checkNotEmpty(configErrs, "global.database_path", string(c.DatabasePath))
	checkPositive(configErrs, "global.key_validity_period", int64(c.KeyValidityPeriod))

	for _, server := range c.TrustedKeyServers {
		if server == "" || strings.ContainsAny(server, " \t\n") {
			configErrs.Add("global.trusted_key_servers: entries must be non-empty server names with no whitespace")
			continue
		}
		if _, err := url.ParseRequestURI("http://" + server); err != nil {
			configErrs.Add("global.trusted_key_servers: invalid server name " + server)
		}
	}

	if c.Sentry.Enabled {
		checkNotEmpty(configErrs, "global.sentry.dsn", c.Sentry.DSN)
	}
}
