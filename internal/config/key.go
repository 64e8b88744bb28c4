// Package config provides unified configuration loading from files,
// environment variables, and CLI flags using viper and pflag.
//
// Resolution order (highest wins):
//  1. CLI flags
//  2. Environment variables (prefix RETUNNEL_)
//  3. Config file (config.yaml in the working directory or /etc/retunnel/)
//  4. Compiled defaults
package config

// Viper keys for server-mode configuration.
const (
	keyServerBaseDomain          = "server.base_domain"
	keyServerHTTPAddress         = "server.http_address"
	keyServerTunnelAddress       = "server.tunnel_address"
	keyServerObserverAddress     = "server.observer_address"
	keyServerTLSCert             = "server.tls.cert"
	keyServerTLSKey              = "server.tls.key"
	keyServerStorageDSN          = "server.storage.dsn"
	keyServerStoragePassword     = "server.storage.password"
	keyServerMaxAliasesPerUser   = "server.max_aliases_per_user"
	keyServerCustomDomains       = "server.custom_domains"
	keyServerObserverLegacyShape = "server.observer_legacy_shape"
	keyServerRequestTimeout      = "server.request_timeout"
	keyServerTunnelKeepAlive     = "server.tunnel_keepalive"
)

// Viper keys for agent-mode configuration.
const (
	keyAgentUser                = "agent.user"
	keyAgentLocalPort           = "agent.local_port"
	keyAgentServerURL           = "agent.server_url"
	keyAgentKeepAlive           = "agent.keepalive"
	keyAgentReconnectDelay      = "agent.reconnect_delay"
	keyAgentMaxReconnectDelay   = "agent.max_reconnect_delay"
	keyAgentAnonymousSessionTTL = "agent.anonymous_session_timeout"
	keyAgentLocalRequestTimeout = "agent.local_request_timeout"
)
