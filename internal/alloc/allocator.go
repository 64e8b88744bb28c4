// Package alloc implements the alias allocator: collision-free
// public alias generation, per-user quota enforcement, and
// persistence of stable (user, alias, port) rows.
package alloc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nexthop-dev/retunnel/internal/core"
	"github.com/nexthop-dev/retunnel/internal/registry"
	"github.com/nexthop-dev/retunnel/internal/store"
)

// collisionRetryLimit bounds the astronomically unlikely retry loop
// on a fresh-alias collision.
const collisionRetryLimit = 10

// Allocator generates and persists aliases.
type Allocator struct {
	store        store.AliasStore
	registry     *registry.Registry
	defaultQuota int
	log          *slog.Logger

	prefixIdx atomic.Uint64 // process-wide round-robin cursor

	// Per-user locks serializing the find/count/insert sequence:
	// without one, two concurrent registrations for the same user can
	// both pass the quota check before either inserts.
	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithDefaultQuota overrides the quota applied to users whose row
// does not carry one of its own.
func WithDefaultQuota(n int) Option {
	return func(a *Allocator) {
		if n > 0 {
			a.defaultQuota = n
		}
	}
}

// New returns an Allocator backed by s for persistence and reg for
// collision checks against currently-registered aliases.
func New(s store.AliasStore, reg *registry.Registry, opts ...Option) *Allocator {
	a := &Allocator{
		store:        s,
		registry:     reg,
		defaultQuota: core.DefaultAliasQuota,
		log:          slog.Default().With("component", "allocator"),
		userLocks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Result is the outcome of Allocate.
type Result struct {
	Alias     string
	Persisted bool
}

// Allocate returns the alias for a registration by user on port.
// Anonymous and unknown users get a fresh ephemeral alias; known
// users get their persisted alias back for the same port, a newly
// persisted one while under quota, and an ephemeral one past it.
func (a *Allocator) Allocate(ctx context.Context, user string, port int) (Result, error) {
	if user == core.AnonymousUser || user == "" {
		alias, err := a.freshAlias()
		if err != nil {
			return Result{}, err
		}
		return Result{Alias: alias}, nil
	}

	quota, known, err := a.store.LookupUser(ctx, user)
	if err != nil {
		return Result{}, &core.ErrStorageUnavailable{Op: "lookup user", Err: err}
	}
	if !known {
		alias, err := a.freshAlias()
		if err != nil {
			return Result{}, err
		}
		return Result{Alias: alias}, nil
	}

	userMu := a.lockFor(user)
	userMu.Lock()
	defer userMu.Unlock()

	if existing, ok, err := a.store.FindAlias(ctx, user, port); err != nil {
		return Result{}, &core.ErrStorageUnavailable{Op: "find alias", Err: err}
	} else if ok {
		return Result{Alias: existing, Persisted: true}, nil
	}

	if quota <= 0 {
		quota = a.defaultQuota
	}
	persisted, err := a.store.CountAliases(ctx, user)
	if err != nil {
		return Result{}, &core.ErrStorageUnavailable{Op: "count aliases", Err: err}
	}
	if persisted >= quota {
		quotaErr := &core.ErrQuotaExceeded{User: user, Quota: quota}
		a.log.Warn("falling back to ephemeral alias", "error", quotaErr)
		alias, err := a.freshAlias()
		if err != nil {
			return Result{}, err
		}
		return Result{Alias: alias}, nil
	}

	alias, err := a.freshAlias()
	if err != nil {
		return Result{}, err
	}
	if err := a.store.InsertAlias(ctx, user, alias, port); err != nil {
		return Result{}, &core.ErrStorageUnavailable{Op: "insert alias", Err: err}
	}

	return Result{Alias: alias, Persisted: true}, nil
}

// freshAlias draws a 6-byte random value, hex-encodes it, and
// prefixes it with the next round-robin prefix, retrying on the rare
// collision with an already-registered alias.
func (a *Allocator) freshAlias() (string, error) {
	for i := 0; i < collisionRetryLimit; i++ {
		var buf [6]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return "", fmt.Errorf("alloc: read random: %w", err)
		}

		prefix := a.nextPrefix()
		alias := prefix + "-" + hex.EncodeToString(buf[:])

		if !a.registry.HasAlias(alias) {
			return alias, nil
		}
	}
	return "", fmt.Errorf("alloc: exhausted %d collision retries", collisionRetryLimit)
}

// lockFor returns the mutex serializing allocations for user,
// creating it on first use. Locks are never removed; the map grows
// with the set of known users that have registered, which is small.
func (a *Allocator) lockFor(user string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.userLocks[user]
	if !ok {
		m = &sync.Mutex{}
		a.userLocks[user] = m
	}
	return m
}

// nextPrefix advances the process-wide round-robin cursor atomically;
// its exact value across restarts is not observable or guaranteed.
func (a *Allocator) nextPrefix() string {
	idx := a.prefixIdx.Add(1) - 1
	return core.AliasPrefixes[idx%uint64(len(core.AliasPrefixes))]
}
