// Package registry holds the in-memory indexes the edge dispatcher
// and the dashboard read from, and the tunnel endpoint writes to.
// It persists nothing; that is the allocator's job.
package registry

import (
	"fmt"
	"sync"

	"github.com/nexthop-dev/retunnel/internal/core"
)

// Registry holds three indexes that must move together: alias→tunnel
// id, tunnel id→Tunnel, and user→set of alias. A single RWMutex
// guards all three; with one lock per map a reader could observe a
// partial update and break the alias↔tunnel bijection.
type Registry struct {
	mu      sync.RWMutex
	byAlias map[string]string          // alias -> tunnel id
	tunnels map[string]*core.Tunnel    // tunnel id -> Tunnel
	byUser  map[string]map[string]bool // user -> set of alias
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byAlias: make(map[string]string),
		tunnels: make(map[string]*core.Tunnel),
		byUser:  make(map[string]map[string]bool),
	}
}

// Insert adds a newly registered tunnel to all three indexes. It
// fails if the alias is already bound to a different, still-live
// tunnel id.
func (r *Registry) Insert(t *core.Tunnel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byAlias[t.Alias]; ok && existing != t.ID {
		return &core.ErrAliasCollision{Alias: t.Alias}
	}

	r.byAlias[t.Alias] = t.ID
	r.tunnels[t.ID] = t

	if t.User != core.AnonymousUser {
		set, ok := r.byUser[t.User]
		if !ok {
			set = make(map[string]bool)
			r.byUser[t.User] = set
		}
		set[t.Alias] = true
	}

	return nil
}

// LookupByAlias resolves a public request's alias to its live tunnel.
func (r *Registry) LookupByAlias(alias string) (*core.Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byAlias[alias]
	if !ok {
		return nil, false
	}
	t, ok := r.tunnels[id]
	return t, ok
}

// LookupByID resolves a tunnel id directly.
func (r *Registry) LookupByID(id string) (*core.Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tunnels[id]
	return t, ok
}

// Remove deletes a tunnel from all three indexes and prunes the
// user's entry if its alias set becomes empty.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tunnels[id]
	if !ok {
		return
	}
	delete(r.tunnels, id)

	if bound, ok := r.byAlias[t.Alias]; ok && bound == id {
		delete(r.byAlias, t.Alias)
	}

	if t.User != core.AnonymousUser {
		if set, ok := r.byUser[t.User]; ok {
			delete(set, t.Alias)
			if len(set) == 0 {
				delete(r.byUser, t.User)
			}
		}
	}
}

// SnapshotLiveURLs iterates the user index and formats the public URL
// for every alias whose tunnel is in the ACTIVE state.
// Anonymous tunnels are omitted since they have no user bucket to
// iterate; dashboards only ever show authenticated users' tunnels.
func (r *Registry) SnapshotLiveURLs(baseDomain string) map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.byUser))
	for user, aliases := range r.byUser {
		urls := make([]string, 0, len(aliases))
		for alias := range aliases {
			id, ok := r.byAlias[alias]
			if !ok {
				continue
			}
			t, ok := r.tunnels[id]
			if !ok || t.State() != core.StateActive {
				continue
			}
			urls = append(urls, fmt.Sprintf("https://%s.%s/", alias, baseDomain))
		}
		if len(urls) > 0 {
			out[user] = urls
		}
	}
	return out
}

// AliasCount returns the number of aliases currently registered to
// user.
func (r *Registry) AliasCount(user string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[user])
}

// HasAlias reports whether alias is currently bound to any live
// tunnel, used by the allocator's collision check on fresh generation.
func (r *Registry) HasAlias(alias string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byAlias[alias]
	return ok
}
