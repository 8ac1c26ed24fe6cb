package config

import "net"

// FederationAPI tunes the produced federation HTTP surface
// (internal/federationapi/routing) and the client used to call other
// servers (internal/federationclient).
type FederationAPI struct {
	// ListenAddress is the address the federation HTTP server binds,
	// e.g. ":8448".
	ListenAddress string `yaml:"listen_address"`

	// ClientTimeout bounds a single outbound federation HTTP request.
	ClientTimeout DurationSeconds `yaml:"client_timeout_seconds"`

	// DisableTLSValidation allows self-signed federation peers, for
	// development deployments only.
	DisableTLSValidation bool `yaml:"disable_tls_validation"`

	// RateLimiting throttles repeated requests from the same origin
	// server hitting the produced federation endpoints.
	RateLimiting RateLimiting `yaml:"rate_limiting"`
}

// RateLimiting throttles a caller (identified by origin server name)
// making repeated requests against the federation HTTP surface,
// adapted from dendrite's client-facing per-device rate limiter to a
// server-to-server caller identity.
type RateLimiting struct {
	Enabled   bool  `yaml:"enabled"`
	Threshold int64 `yaml:"threshold"`
	CooloffMS int64 `yaml:"cooloff_ms"`

	// ExemptServerNames are never rate limited, e.g. servers known to
	// send large backfill bursts.
	ExemptServerNames []string `yaml:"exempt_server_names"`
}

func (c *FederationAPI) Defaults(opts DefaultOpts) {
	c.ListenAddress = ":8448"
	c.ClientTimeout = DurationSeconds(30)
	c.RateLimiting.Enabled = true
	c.RateLimiting.Threshold = 20
	c.RateLimiting.CooloffMS = 500
}

func (c *FederationAPI) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "federation_api.listen_address", c.ListenAddress)
	if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
		configErrs.Add("federation_api.listen_address must be host:port, e.g. \":8448\": " + err.Error())
	}
	checkPositive(configErrs, "federation_api.client_timeout_seconds", int64(c.ClientTimeout))
	if c.RateLimiting.Enabled {
		checkPositive(configErrs, "federation_api.rate_limiting.threshold", c.RateLimiting.Threshold)
		checkPositive(configErrs, "federation_api.rate_limiting.cooloff_ms", c.RateLimiting.CooloffMS)
	}
}
