// Package listener implements the per-soul, per-field callback registry
// driven by HAM merge results: a subscription fires only on fields HAM
// actually accepted, never on historicals or deferrals, and never from
// inside a HAM call. A plain mutex-guarded map, rather than an
// atomic-snapshot structure, keeps this consistent with the rest of the
// collaborator registries in this module.
package listener

import (
	"sync"

	"github.com/interplaynetary/mesh/internal/graph"
)

// Callback is invoked with the accepted value/state of one field.
type Callback func(soul graph.Soul, field string, value graph.Value, state graph.State)

type subscription struct {
	id    uint64
	field *graph.FieldSel // nil matches every field
	cb    Callback
}

// Registry is a per-soul list of subscriptions.
type Registry struct {
	mu     sync.Mutex
	nextID uint64
	bySoul map[graph.Soul][]*subscription
}

// New returns an empty listener registry.
func New() *Registry {
	return &Registry{bySoul: make(map[graph.Soul][]*subscription)}
}

// Handle identifies one registered callback so Off can remove exactly it.
type Handle struct {
	soul graph.Soul
	id   uint64
}

// On registers cb for soul, optionally restricted to a field selector
// (nil means every field). It returns a Handle usable with Off.
func (r *Registry) On(soul graph.Soul, field *graph.FieldSel, cb Callback) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.bySoul[soul] = append(r.bySoul[soul], &subscription{id: id, field: field, cb: cb})
	return Handle{soul: soul, id: id}
}

// Off removes one subscription by handle. If h is the zero Handle for a
// soul (no specific id), all subscriptions for that soul are cleared.
func (r *Registry) Off(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.bySoul[h.soul]
	if h.id == 0 {
		delete(r.bySoul, h.soul)
		return
	}
	out := subs[:0]
	for _, s := range subs {
		if s.id != h.id {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		delete(r.bySoul, h.soul)
	} else {
		r.bySoul[h.soul] = out
	}
}

// OffSoul clears every subscription registered for soul.
func (r *Registry) OffSoul(soul graph.Soul) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bySoul, soul)
}

// Interested reports whether any subscription (or pending-reference /
// in-graph membership, tracked by the caller) would want soul's writes —
// used by Wire's subscription-filter predicate (§4.8.2). Here it only
// covers this registry's own listen set; Wire ORs it with graph/
// pendingReferences membership.
func (r *Registry) Interested(soul graph.Soul) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySoul[soul]) > 0
}

// Fire dispatches every accepted (soul, field, value, state) to matching
// subscriptions. It must be called only after Store.Put completes, and
// never from inside HAM.Mix, per the no-reentrancy rule.
func (r *Registry) Fire(soul graph.Soul, field string, value graph.Value, state graph.State) {
	r.mu.Lock()
	subs := append([]*subscription(nil), r.bySoul[soul]...)
	r.mu.Unlock()

	for _, s := range subs {
		if !matches(s.field, field) {
			continue
		}
		s.cb(soul, field, value, state)
	}
}

func matches(sel *graph.FieldSel, field string) bool {
	if sel == nil {
		return true
	}
	switch {
	case sel.Exact != nil:
		return *sel.Exact == field
	case sel.Prefix != nil:
		return len(field) >= len(*sel.Prefix) && field[:len(*sel.Prefix)] == *sel.Prefix
	case sel.Lo != nil && sel.Hi != nil:
		return field >= *sel.Lo && field <= *sel.Hi
	default:
		return true
	}
}
