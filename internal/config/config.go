package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config wraps a viper instance and provides typed accessors for every
// configuration key. Create one via New().
type Config struct {
	v *viper.Viper
}

// New initialises a Config by loading values from environment
// variables, the config file, and compiled defaults (in that priority
// order; CLI flags, bound later via BindFlags, take highest priority).
func New() (*Config, error) {
	v := viper.New()

	// Register compiled defaults for all known options.
	for _, o := range ServerOptions {
		v.SetDefault(o.Key, o.Default)
	}
	for _, o := range AgentOptions {
		v.SetDefault(o.Key, o.Default)
	}

	// Attempt to load a config file from the current directory or
	// the system-wide location.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/retunnel/")

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !(errors.As(err, &notFoundErr) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables are prefixed with RETUNNEL_ and use
	// underscores in place of dots (e.g. RETUNNEL_SERVER_HTTP_ADDRESS).
	v.SetEnvPrefix("RETUNNEL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return &Config{v: v}, nil
}

// BindFlags registers CLI flags for the given option slice and binds
// them to the underlying viper keys so that flag values override file
// and environment sources.
func (c *Config) BindFlags(fs *pflag.FlagSet, options []Option) error {
	for _, o := range options {
		switch v := o.Default.(type) {
		case string:
			fs.String(o.Flag, v, o.Description)
		case int:
			fs.Int(o.Flag, v, o.Description)
		case bool:
			fs.Bool(o.Flag, v, o.Description)
		case []string:
			fs.StringSlice(o.Flag, v, o.Description)
		case time.Duration:
			fs.Duration(o.Flag, v, o.Description)
		case map[string]string:
			fs.StringToString(o.Flag, v, o.Description)
		default:
			return fmt.Errorf("unsupported flag type for key: %s", o.Key)
		}

		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", o.Flag, err)
		}
	}

	return nil
}

// ---------------------------------------------------------------------------
// Server-mode accessors
// ---------------------------------------------------------------------------

// ServerBaseDomain returns the domain public tunnel URLs are formatted
// under.
func (c *Config) ServerBaseDomain() string {
	return c.v.GetString(keyServerBaseDomain)
}

// ServerHTTPAddress returns the public edge listener address.
func (c *Config) ServerHTTPAddress() string {
	return c.v.GetString(keyServerHTTPAddress)
}

// ServerTunnelAddress returns the agent-facing tunnel endpoint
// listener address.
func (c *Config) ServerTunnelAddress() string {
	return c.v.GetString(keyServerTunnelAddress)
}

// ServerObserverAddress returns the dashboard observer listener
// address.
func (c *Config) ServerObserverAddress() string {
	return c.v.GetString(keyServerObserverAddress)
}

// ServerTLSCert returns the TLS certificate path, or "" if the
// listeners should serve plain HTTP.
func (c *Config) ServerTLSCert() string {
	return c.v.GetString(keyServerTLSCert)
}

// ServerTLSKey returns the TLS private key path.
func (c *Config) ServerTLSKey() string {
	return c.v.GetString(keyServerTLSKey)
}

// ServerStorageDSN returns the Postgres connection string (without
// password; see ServerStoragePassword).
func (c *Config) ServerStorageDSN() string {
	return c.v.GetString(keyServerStorageDSN)
}

// ServerStoragePassword returns the storage password. Empty means
// misconfigured; the server refuses to start without it.
func (c *Config) ServerStoragePassword() string {
	return c.v.GetString(keyServerStoragePassword)
}

// ServerMaxAliasesPerUser returns the per-user persisted-alias quota.
func (c *Config) ServerMaxAliasesPerUser() int {
	return c.v.GetInt(keyServerMaxAliasesPerUser)
}

// ServerCustomDomains returns the custom host→alias override map.
func (c *Config) ServerCustomDomains() map[string]string {
	return c.v.GetStringMapString(keyServerCustomDomains)
}

// ServerObserverLegacyShape reports whether the dashboard should emit
// the legacy flat-array active_urls shape instead of the per-user
// map.
func (c *Config) ServerObserverLegacyShape() bool {
	return c.v.GetBool(keyServerObserverLegacyShape)
}

// ServerRequestTimeout returns the dispatcher-side deadline applied
// to every dispatched request.
func (c *Config) ServerRequestTimeout() time.Duration {
	return c.v.GetDuration(keyServerRequestTimeout)
}

// ServerTunnelKeepAlive returns the expected agent keepalive
// interval, used to size the tunnel reader's idle deadline.
func (c *Config) ServerTunnelKeepAlive() time.Duration {
	return c.v.GetDuration(keyServerTunnelKeepAlive)
}

// ---------------------------------------------------------------------------
// Agent-mode accessors
// ---------------------------------------------------------------------------

// AgentUser returns the user token the agent registers with; empty
// registers anonymously.
func (c *Config) AgentUser() string {
	return c.v.GetString(keyAgentUser)
}

// AgentLocalPort returns the local port the agent exposes through
// the tunnel.
func (c *Config) AgentLocalPort() int {
	return c.v.GetInt(keyAgentLocalPort)
}

// AgentServerURL returns the tunnel endpoint websocket URL the agent
// dials.
func (c *Config) AgentServerURL() string {
	return c.v.GetString(keyAgentServerURL)
}

// AgentKeepAlive returns the control-channel ping interval.
func (c *Config) AgentKeepAlive() time.Duration {
	return c.v.GetDuration(keyAgentKeepAlive)
}

// AgentReconnectDelay returns the starting reconnect backoff delay.
func (c *Config) AgentReconnectDelay() time.Duration {
	return c.v.GetDuration(keyAgentReconnectDelay)
}

// AgentMaxReconnectDelay returns the reconnect backoff ceiling.
func (c *Config) AgentMaxReconnectDelay() time.Duration {
	return c.v.GetDuration(keyAgentMaxReconnectDelay)
}

// AgentAnonymousSessionTimeout returns how long an anonymous agent
// runs before terminating its own process.
func (c *Config) AgentAnonymousSessionTimeout() time.Duration {
	return c.v.GetDuration(keyAgentAnonymousSessionTTL)
}

// AgentLocalRequestTimeout returns the timeout applied to a single
// request re-issued against the agent's local server.
func (c *Config) AgentLocalRequestTimeout() time.Duration {
	return c.v.GetDuration(keyAgentLocalRequestTimeout)
}
