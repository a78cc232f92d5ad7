// Package ham implements the conflict-resolution engine: per-field CRDT
// merge driven by (state, value) tuples, deferral of future-dated writes,
// user/alias soul validation, and the size-bounded graph invariant (I5).
package ham

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/interplaynetary/mesh/internal/graph"
)

// MaxGraphSize is I5's bound on the in-memory working set.
const MaxGraphSize = 10000

// maxFutureDelta is I3's upper bound: a field whose state is further than
// this into the future is rejected outright rather than deferred.
const maxFutureDelta = 24 * time.Hour

// ErrInvalidChange is returned when change or graph violate the "keyed
// object" shape Mix requires (in Go, a nil map is the only way this can
// happen, since the type system otherwise guarantees the shape).
var ErrInvalidChange = errors.New("ham: change and graph must be non-nil")

// Merge applies the pairwise CRDT rule to a single field (§4.5 steps 1-3).
// hasCurrent distinguishes "no prior value" from a zero-value current
// state/value. It returns the winning value/state and whether incoming
// was accepted (false means the field is unchanged).
func Merge(incomingState, currentState graph.State, incomingValue, currentValue graph.Value, hasCurrent bool) (graph.Value, graph.State, bool) {
	if !hasCurrent {
		return incomingValue, incomingState, true
	}
	switch {
	case incomingState > currentState:
		return incomingValue, incomingState, true
	case incomingState < currentState:
		return currentValue, currentState, false
	default:
		if incomingValue.Equal(currentValue) {
			return currentValue, currentState, false
		}
		if encodeForTieBreak(incomingValue) > encodeForTieBreak(currentValue) {
			return incomingValue, incomingState, true
		}
		return currentValue, currentState, false
	}
}

// encodeForTieBreak renders a value into the same token shape the disk
// layer uses so that the tie-break compares the two values' string
// encodings rather than their in-memory representations.
func encodeForTieBreak(v graph.Value) string {
	switch v.Kind {
	case graph.KindNull:
		return ""
	case graph.KindBool:
		if v.Bool {
			return "+"
		}
		return "-"
	case graph.KindNumber:
		return fmt.Sprintf("+%v", v.Num)
	case graph.KindString:
		return "\"" + v.Str
	case graph.KindRelation:
		return "#" + v.Str
	default:
		return ""
	}
}

// Result is what Mix returns: the accepted subgraph to persist, the
// deferred fields to retry after Wait, and the minimum wait before that
// retry is due.
type Result struct {
	Now   graph.Graph
	Defer graph.Graph
	Wait  time.Duration
}

// nowFn is overridable in tests so deferral math is deterministic.
var nowFn = time.Now

// Mix merges change into g in place, applying deferral of future-dated
// states, user/alias soul validation, and a bounded graph size. verifier
// may be nil; when non-nil it is consulted for every signed field of a
// "~pub" soul regardless of secure, since user-soul writes always require a
// signature check. Unsigned user-soul fields are dropped without consulting
// it, and a nil verifier leaves no user-soul field accepted.
func Mix(change graph.Graph, g graph.Graph, secure bool, verifier Verifier) (Result, error) {
	if change == nil || g == nil {
		return Result{}, ErrInvalidChange
	}

	res := Result{Now: graph.Graph{}, Defer: graph.Graph{}}
	now := graph.State(nowFn().UnixMilli())

	for soul, incoming := range change {
		if incoming == nil || len(incoming.Meta.States) == 0 {
			continue // "_" metadata absent: nothing to merge
		}

		fields := incoming.Meta.States
		if graph.IsUserSoul(soul) {
			fields = filterUserSoulFields(soul, incoming, verifier)
		} else if graph.IsAliasSoul(soul) {
			fields = filterAliasSoulFields(soul, incoming)
		}
		if len(fields) == 0 {
			continue
		}

		current, exists := g[soul]

		for field := range fields {
			incomingState := incoming.Meta.States[field]
			incomingValue := incoming.Fields[field]

			if int64(incomingState)-int64(now) > maxFutureDelta.Milliseconds() {
				continue // I3 upper bound: drop entirely
			}
			if incomingState > now {
				stageDeferred(res.Defer, soul, incoming, field, incomingState, incomingValue)
				delay := time.Duration(int64(incomingState)-int64(now)) * time.Millisecond
				if res.Wait == 0 || delay < res.Wait {
					res.Wait = delay
				}
				continue
			}

			var currentState graph.State
			var currentValue graph.Value
			hasCurrent := false
			if exists {
				if st, ok := current.Meta.States[field]; ok {
					currentState, currentValue, hasCurrent = st, current.Fields[field], true
				}
			}

			winner, winnerState, accepted := Merge(incomingState, currentState, incomingValue, currentValue, hasCurrent)
			if !accepted {
				continue
			}

			if !exists {
				current = graph.NewNode(soul)
				g[soul] = current
				exists = true
			}
			current.Fields[field] = winner
			current.Meta.States[field] = winnerState
			if sig, ok := incoming.Meta.Sigs[incomingState]; ok {
				current.Meta.Sigs[winnerState] = sig
			}

			stageAccepted(res.Now, soul, field, winner, winnerState)
		}
	}

	evictOverflow(g)
	return res, nil
}

func stageAccepted(into graph.Graph, soul graph.Soul, field string, value graph.Value, state graph.State) {
	node, ok := into[soul]
	if !ok {
		node = graph.NewNode(soul)
		into[soul] = node
	}
	node.Fields[field] = value
	node.Meta.States[field] = state
}

func stageDeferred(into graph.Graph, soul graph.Soul, incoming *graph.NodeData, field string, state graph.State, value graph.Value) {
	node, ok := into[soul]
	if !ok {
		node = graph.NewNode(soul)
		into[soul] = node
	}
	node.Fields[field] = value
	node.Meta.States[field] = state
	if sig, ok := incoming.Meta.Sigs[state]; ok {
		node.Meta.Sigs[state] = sig
	}
}

// filterUserSoulFields enforces I4 for a "~pub" soul: every field the
// caller wishes to accept must carry a signature, of that field's value at
// that state, verifiable under pub. Fields without a verifying signature
// are dropped. The whole soul is rejected if the node's own "pub" field
// disagrees with the soul.
func filterUserSoulFields(soul graph.Soul, incoming *graph.NodeData, verifier Verifier) map[string]graph.State {
	pub, ok := graph.Pub(soul)
	if !ok {
		return nil
	}
	if p, has := incoming.Fields["pub"]; has && p.Kind == graph.KindString && p.Str != pub {
		return nil
	}

	out := make(map[string]graph.State)
	for field, state := range incoming.Meta.States {
		sig, hasSig := incoming.Meta.Sigs[state]
		if !hasSig || verifier == nil {
			continue
		}
		val := incoming.Fields[field]
		ok, err := verifier.Verify(pub, encodeForTieBreak(val), sig)
		if err != nil || !ok {
			continue
		}
		out[field] = state
	}
	return out
}

// filterAliasSoulFields enforces I4 for a "~@alias" soul: a field's key
// must equal the soul its relation value points to.
func filterAliasSoulFields(_ graph.Soul, incoming *graph.NodeData) map[string]graph.State {
	out := make(map[string]graph.State)
	for field, state := range incoming.Meta.States {
		val, ok := incoming.Fields[field]
		if !ok || !val.IsRelation() || val.RelationSoul() != graph.Soul(field) {
			continue
		}
		out[field] = state
	}
	return out
}

// evictOverflow enforces I5: when the graph exceeds MaxGraphSize, evict
// the souls with the smallest maximum per-field state until size fits.
func evictOverflow(g graph.Graph) {
	if len(g) <= MaxGraphSize {
		return
	}
	type ranked struct {
		soul graph.Soul
		max  graph.State
	}
	all := make([]ranked, 0, len(g))
	for soul, node := range g {
		all = append(all, ranked{soul: soul, max: node.MaxState()})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].max < all[j].max })

	overflow := len(g) - MaxGraphSize
	for i := 0; i < overflow; i++ {
		delete(g, all[i].soul)
	}
}
