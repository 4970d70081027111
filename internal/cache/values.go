// Package cache keeps user-entered alignment goals and saved mirror
// positions: an in-memory name-keyed store that survives procedure
// switches, seeded from and drained to a sqlite file.
package cache

import "sync"

// Values is the in-memory store. Entries never expire; they are only
// overwritten or read.
type Values struct {
	mu sync.RWMutex
	m  map[string]float64
}

// NewValues returns an empty store.
func NewValues() *Values {
	return &Values{m: make(map[string]float64)}
}

// Get returns the cached value for name, if any.
func (v *Values) Get(name string) (float64, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.m[name]
	return val, ok
}

// Put stores a value under name, overwriting any previous entry.
func (v *Values) Put(name string, value float64) {
	v.mu.Lock()
	v.m[name] = value
	v.mu.Unlock()
}

// Merge copies every entry of src into the store.
func (v *Values) Merge(src map[string]float64) {
	v.mu.Lock()
	for k, val := range src {
		v.m[k] = val
	}
	v.mu.Unlock()
}

// Snapshot returns a copy of the current contents.
func (v *Values) Snapshot() map[string]float64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]float64, len(v.m))
	for k, val := range v.m {
		out[k] = val
	}
	return out
}
