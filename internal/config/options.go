package config

import (
	"strings"
	"time"
)

// Option describes a single configuration entry: its viper key, the
// corresponding CLI flag name, the compiled default, and a
// human-readable description shown in --help output.
type Option struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

// ServerOptions defines the configuration entries available in server
// mode. Each entry is registered as a viper default and a CLI flag.
var ServerOptions = []Option{
	{Key: keyServerBaseDomain, Flag: toFlag(keyServerBaseDomain), Default: "retunnel.example.com", Description: "Base domain public tunnel URLs are formatted under"},
	{Key: keyServerHTTPAddress, Flag: toFlag(keyServerHTTPAddress), Default: ":8080", Description: "Public edge listener address"},
	{Key: keyServerTunnelAddress, Flag: toFlag(keyServerTunnelAddress), Default: ":8081", Description: "Agent-facing tunnel endpoint listener address"},
	{Key: keyServerObserverAddress, Flag: toFlag(keyServerObserverAddress), Default: ":8082", Description: "Dashboard observer listener address"},
	{Key: keyServerTLSCert, Flag: toFlag(keyServerTLSCert), Default: "", Description: "TLS certificate path; when set with tls-key, listeners serve TLS directly"},
	{Key: keyServerTLSKey, Flag: toFlag(keyServerTLSKey), Default: "", Description: "TLS private key path"},
	{Key: keyServerStorageDSN, Flag: toFlag(keyServerStorageDSN), Default: "postgres://retunnel@127.0.0.1:5432/retunnel", Description: "Postgres DSN for persistent storage"},
	{Key: keyServerStoragePassword, Flag: toFlag(keyServerStoragePassword), Default: "", Description: "Storage password (required)"},
	{Key: keyServerMaxAliasesPerUser, Flag: toFlag(keyServerMaxAliasesPerUser), Default: 5, Description: "Per-user persisted-alias quota"},
	{Key: keyServerCustomDomains, Flag: toFlag(keyServerCustomDomains), Default: map[string]string{}, Description: "Custom host to alias overrides (host=alias,...)"},
	{Key: keyServerObserverLegacyShape, Flag: toFlag(keyServerObserverLegacyShape), Default: false, Description: "Emit the legacy flat-array active_urls shape to observers"},
	{Key: keyServerRequestTimeout, Flag: toFlag(keyServerRequestTimeout), Default: 60 * time.Second, Description: "Dispatcher-side deadline for a dispatched request"},
	{Key: keyServerTunnelKeepAlive, Flag: toFlag(keyServerTunnelKeepAlive), Default: 20 * time.Second, Description: "Expected agent keepalive interval, used to size the read deadline"},
}

// AgentOptions defines the configuration entries available in agent
// mode.
var AgentOptions = []Option{
	{Key: keyAgentUser, Flag: toFlag(keyAgentUser), Default: "", Description: "User token presented at registration; empty registers anonymously"},
	{Key: keyAgentLocalPort, Flag: toFlag(keyAgentLocalPort), Default: 0, Description: "Local port to expose through the tunnel (required)"},
	{Key: keyAgentServerURL, Flag: toFlag(keyAgentServerURL), Default: "ws://127.0.0.1:8081/tunnel", Description: "Tunnel endpoint websocket URL"},
	{Key: keyAgentKeepAlive, Flag: toFlag(keyAgentKeepAlive), Default: 20 * time.Second, Description: "Keepalive ping interval"},
	{Key: keyAgentReconnectDelay, Flag: toFlag(keyAgentReconnectDelay), Default: 5 * time.Second, Description: "Starting reconnect backoff delay"},
	{Key: keyAgentMaxReconnectDelay, Flag: toFlag(keyAgentMaxReconnectDelay), Default: 30 * time.Second, Description: "Reconnect backoff ceiling"},
	{Key: keyAgentAnonymousSessionTTL, Flag: toFlag(keyAgentAnonymousSessionTTL), Default: 1 * time.Hour, Description: "Anonymous session lifetime; the agent process exits on elapse"},
	{Key: keyAgentLocalRequestTimeout, Flag: toFlag(keyAgentLocalRequestTimeout), Default: 30 * time.Second, Description: "Timeout for a single re-issued request against the local server"},
}

// toFlag converts a viper key like "agent.local_port" into a CLI flag
// like "local-port" by lower-casing, replacing dots and underscores
// with hyphens, and stripping the "server-" or "agent-" prefix.
func toFlag(key string) string {
	flag := strings.ToLower(key)
	flag = strings.ReplaceAll(flag, ".", "-")
	flag = strings.ReplaceAll(flag, "_", "-")
	flag = strings.TrimPrefix(flag, "server-")
	flag = strings.TrimPrefix(flag, "agent-")
	return flag
}
