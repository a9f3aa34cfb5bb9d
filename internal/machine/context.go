package machine

import "sync"

// ExtState is the thread-safe extended-state store threaded through a
// machine's actions (iface.ExtState). Grounded directly on the teacher's
// primitives.Context: a sync.Map wrapper, chosen there (and kept here) for
// lock-free reads under concurrent access from actions running on a
// machine's own goroutine while outside observers (tests, visualizers)
// read snapshots.
type ExtState struct {
	data sync.Map
}

// NewExtState creates an empty extended-state store.
func NewExtState() *ExtState {
	return &ExtState{}
}

func (c *ExtState) Get(key string) (any, bool) {
	return c.data.Load(key)
}

func (c *ExtState) Set(key string, val any) {
	c.data.Store(key, val)
}

func (c *ExtState) Delete(key string) {
	c.data.Delete(key)
}

// Snapshot returns a copy of the store's contents, e.g. for diagnostics.
func (c *ExtState) Snapshot() map[string]any {
	snap := map[string]any{}
	c.data.Range(func(k, v any) bool {
		snap[k.(string)] = v
		return true
	})
	return snap
}
