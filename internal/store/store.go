// Package store defines the persistence boundary for the three
// tables: users, user_aliases, api_requests. Postgres is
// the concrete backend (postgres.go); callers depend only on the
// interfaces here so the allocator and request logger can be tested
// against an in-memory fake.
package store

import "context"

// UserLookup resolves whether a user token has a row in the users
// table and, if so, its quota.
type UserLookup interface {
	// LookupUser reports whether token is known and, if so, its
	// persisted-alias quota.
	LookupUser(ctx context.Context, token string) (quota int, known bool, err error)
}

// AliasStore persists the (user, alias, port) rows the allocator
// consults and writes.
type AliasStore interface {
	UserLookup

	// FindAlias returns the alias previously persisted for
	// (userToken, port), if any.
	FindAlias(ctx context.Context, userToken string, port int) (alias string, ok bool, err error)

	// InsertAlias persists a fresh (userToken, alias, port) row.
	// It is the caller's responsibility to have already checked
	// quota.
	InsertAlias(ctx context.Context, userToken, alias string, port int) error

	// CountAliases returns how many persisted alias rows userToken
	// currently has, the number the quota is enforced against.
	CountAliases(ctx context.Context, userToken string) (int, error)
}

// RequestLogger appends rows to api_requests. Failures are logged
// and swallowed by callers; request logging is best-effort.
type RequestLogger interface {
	LogRequest(ctx context.Context, rec Record) error
}

// Record is one row appended to the request log after a completed
// public request.
type Record struct {
	Alias    string
	Port     int
	Method   string
	Path     string
	Status   int
	BytesIn  int
	BytesOut int
}

// Store is the union interface the rest of the application depends
// on; *Postgres satisfies it.
type Store interface {
	AliasStore
	RequestLogger
	Close()
}
