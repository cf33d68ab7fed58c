package processes

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Route is where traffic for a service name goes.
type Route struct {
	ServiceID string
	Port      int
}

// RouteTable maps service names to routes. Readers load an immutable map
// without locking; writers copy the map and swap it in.
type RouteTable struct {
	mu    sync.Mutex
	table atomic.Pointer[map[string]Route]
}

func NewRouteTable() *RouteTable {
	t := &RouteTable{}
	empty := map[string]Route{}
	t.table.Store(&empty)
	return t
}

// Lookup returns the route for name.
func (t *RouteTable) Lookup(name string) (Route, bool) {
	r, ok := (*t.table.Load())[strings.ToLower(name)]
	return r, ok
}

// Set publishes route under name, replacing any previous route.
func (t *RouteTable) Set(name string, route Route) {
	t.update(func(m map[string]Route) {
		m[strings.ToLower(name)] = route
	})
}

// Remove deletes name's route if it still belongs to serviceID.
func (t *RouteTable) Remove(name, serviceID string) bool {
	removed := false
	t.update(func(m map[string]Route) {
		key := strings.ToLower(name)
		if r, ok := m[key]; ok && r.ServiceID == serviceID {
			delete(m, key)
			removed = true
		}
	})
	return removed
}

// Len is the number of routable services.
func (t *RouteTable) Len() int {
	return len(*t.table.Load())
}

func (t *RouteTable) update(fn func(map[string]Route)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := *t.table.Load()
	next := make(map[string]Route, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	fn(next)
	t.table.Store(&next)
}
