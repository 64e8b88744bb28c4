package core

// AliasPrefixes is the fixed round-robin list consecutive fresh
// allocations draw from so that adjacent aliases visibly differ.
var AliasPrefixes = []string{"client", "user", "web", "site", "app", "people"}

// DefaultAliasQuota is the default per-user persisted-alias quota.
const DefaultAliasQuota = 5
