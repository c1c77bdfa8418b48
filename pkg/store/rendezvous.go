package store

import (
	"sync"

	"github.com/google/uuid"
)

// Rendezvous collapses concurrent arrivals sharing a request_id: the
// second caller waits on the first caller's terminal result instead of
// re-running the pipeline, per spec.md §4.7/§5 ("the second caller
// receives the outcome of the first ... by waiting on a short
// in-process rendezvous"). Grounded on the teacher's mutex-guarded
// per-key map fields (e.g. cmd/gateway's policyCache) — the same idiom
// applied to request-id collapsing instead of policy-bundle caching.
type Rendezvous struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*entry
}

type entry struct {
	done   chan struct{}
	result any
	err    error
}

func NewRendezvous() *Rendezvous {
	return &Rendezvous{entries: map[uuid.UUID]*entry{}}
}

// Join returns (existing entry, false) if requestID is already
// in-flight, or registers a new entry and returns (it, true) when the
// caller is the first arrival and must do the work itself.
func (r *Rendezvous) Join(requestID uuid.UUID) (wait func() (any, error), isFirst bool) {
	r.mu.Lock()
	if e, ok := r.entries[requestID]; ok {
		r.mu.Unlock()
		return func() (any, error) {
			<-e.done
			return e.result, e.err
		}, false
	}
	e := &entry{done: make(chan struct{})}
	r.entries[requestID] = e
	r.mu.Unlock()
	return func() (any, error) {
		<-e.done
		return e.result, e.err
	}, true
}

// Resolve records the first caller's outcome, wakes every waiter, and
// removes the entry so a later, unrelated reuse of the same request_id
// (a new logical call, not a retry) is not permanently collapsed.
func (r *Rendezvous) Resolve(requestID uuid.UUID, result any, err error) {
	r.mu.Lock()
	e, ok := r.entries[requestID]
	if ok {
		delete(r.entries, requestID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	e.result = result
	e.err = err
	close(e.done)
}
