package rollout

import (
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/arbiterml/modelplane/pkg/models"
)

const routeBuckets = 100

// routeEntry is the immutable routing state for one tenant's rollout.
type routeEntry struct {
	rolloutID   string
	fromVersion string
	toVersion   string
	salt        string
	phase       models.RolloutPhase
	percentage  int
}

// routeTable maps tenant id to that tenant's routing entry. Tables are never
// mutated after publication; every change builds a copy and swaps the pointer.
type routeTable struct {
	entries map[string]routeEntry
}

// router answers routing decisions from a single atomic pointer load, so the
// request path takes no locks and a phase change or abort becomes visible to
// all routes with one swap.
type router struct {
	table atomic.Pointer[routeTable]
}

func newRouter() *router {
	r := &router{}
	r.table.Store(&routeTable{entries: map[string]routeEntry{}})
	return r
}

// bucketFor maps a request key to a stable bucket in [0,100). The salt is
// fixed at rollout start, so a given key keeps its bucket for the whole
// rollout and traffic moves between versions only when the phase percentage
// crosses the bucket.
func bucketFor(salt, requestKey string) int {
	return int(xxhash.Sum64String(salt+":"+requestKey) % routeBuckets)
}

// route returns the routing decision for the tenant, or ok=false when the
// tenant has no rollout entry. Entries exist only while a rollout is in a
// non-terminal phase; terminal transitions remove them and routing returns
// to plain resolution.
func (r *router) route(tenantID, requestKey string, now time.Time) (models.RouteDecision, bool) {
	entry, ok := r.table.Load().entries[tenantID]
	if !ok {
		return models.RouteDecision{}, false
	}
	bucket := bucketFor(entry.salt, requestKey)
	version := entry.fromVersion
	if bucket < entry.percentage {
		version = entry.toVersion
	}
	return models.RouteDecision{
		TenantID:   tenantID,
		RequestKey: requestKey,
		VersionID:  version,
		Bucket:     bucket,
		RolloutID:  entry.rolloutID,
		Phase:      entry.phase,
		DecidedAt:  now,
	}, true
}

// install publishes the rollout's current state to the routing table. The
// copy-and-swap loop retries on concurrent writers, which are rare: writes
// happen only on rollout transitions.
func (r *router) install(rollout *models.Rollout) {
	entry := routeEntry{
		rolloutID:   rollout.ID,
		fromVersion: rollout.FromVersion,
		toVersion:   rollout.ToVersion,
		salt:        rollout.RoutingSalt,
		phase:       rollout.Phase,
		percentage:  rollout.Phase.Percentage(),
	}
	for {
		old := r.table.Load()
		next := &routeTable{entries: make(map[string]routeEntry, len(old.entries)+1)}
		for k, v := range old.entries {
			next.entries[k] = v
		}
		next.entries[rollout.TenantID] = entry
		if r.table.CompareAndSwap(old, next) {
			return
		}
	}
}

// remove drops the tenant's routing entry, returning routes to plain
// registry resolution.
func (r *router) remove(tenantID string) {
	for {
		old := r.table.Load()
		if _, ok := old.entries[tenantID]; !ok {
			return
		}
		next := &routeTable{entries: make(map[string]routeEntry, len(old.entries))}
		for k, v := range old.entries {
			if k != tenantID {
				next.entries[k] = v
			}
		}
		if r.table.CompareAndSwap(old, next) {
			return
		}
	}
}

// activeTenants lists tenants with a routing entry.
func (r *router) activeTenants() []string {
	table := r.table.Load()
	tenants := make([]string, 0, len(table.entries))
	for tenantID := range table.entries {
		tenants = append(tenants, tenantID)
	}
	return tenants
}
