// Package registry implements a short-lived, FIFO-bounded mapping from
// query-id to the strategy chosen and the automatic reward computed for
// it, so that later user feedback can locate and correct the right
// bandit arm. Durability is intentionally not provided: feedback older
// than the window simply returns QUERY_ID_NOT_FOUND.
package registry

import (
	"sync"

	"smartrag/internal/rag/ragerr"
	"smartrag/internal/rag/types"
)

const defaultCapacity = 1000

// Registry is a FIFO map keyed by query id.
type Registry struct {
	mu       sync.Mutex
	capacity int
	order    []string
	records  map[string]types.QueryRecord
}

// New creates a Registry with the given capacity (0 uses the default 1000).
func New(capacity int) *Registry {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Registry{
		capacity: capacity,
		records:  make(map[string]types.QueryRecord, capacity),
	}
}

// Put records a query's chosen arm and automatic reward, evicting the
// oldest entry if the registry is at capacity.
func (r *Registry) Put(rec types.QueryRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[rec.QueryID]; !exists {
		r.order = append(r.order, rec.QueryID)
	}
	r.records[rec.QueryID] = rec
	for len(r.order) > r.capacity {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.records, oldest)
	}
}

// Get looks up a query record by id.
func (r *Registry) Get(queryID string) (types.QueryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[queryID]
	if !ok {
		return types.QueryRecord{}, ragerr.New(ragerr.QueryIDNotFound, "query_id not found: "+queryID)
	}
	return rec, nil
}

// Len reports the current number of tracked records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
