// Package store adapts the wire graph data model (souls and fields) onto
// Radisk keys through a thin read/write wrapper around the underlying
// keyed-byte engine.
package store

import (
	"strings"

	"github.com/interplaynetary/mesh/internal/graph"
	"github.com/interplaynetary/mesh/pkg/radisk"
	"github.com/interplaynetary/mesh/pkg/radix"
)

// fieldSep is ENQ (0x05), separating a soul from a field name in the
// Radisk key space (§4.3).
const fieldSep = "\x05"

// Store persists graph fields through a Radisk instance. It has no
// knowledge of HAM merge rules; it is a pure read/write adapter.
type Store struct {
	disk *radisk.Radisk
}

// New wraps disk as a graph Store.
func New(disk *radisk.Radisk) *Store {
	return &Store{disk: disk}
}

func fieldKey(soul graph.Soul, field string) string {
	return string(soul) + fieldSep + field
}

func splitFieldKey(key string) (graph.Soul, string, bool) {
	idx := strings.Index(key, fieldSep)
	if idx < 0 {
		return "", "", false
	}
	return graph.Soul(key[:idx]), key[idx+1:], true
}

func toRadiskValue(v graph.Value) radisk.Value {
	switch v.Kind {
	case graph.KindNull:
		return radisk.Null()
	case graph.KindBool:
		if v.Bool {
			return radisk.True()
		}
		return radisk.False()
	case graph.KindNumber:
		return radisk.Num(v.Num)
	case graph.KindString:
		return radisk.Str(v.Str)
	case graph.KindRelation:
		return radisk.Relation(v.Str)
	default:
		return radisk.Null()
	}
}

func fromRadiskValue(v radisk.Value) graph.Value {
	switch v.Kind {
	case radisk.KindNull:
		return graph.Null()
	case radisk.KindBool:
		return graph.Bool(v.Bool)
	case radisk.KindNumber:
		return graph.Number(v.Num)
	case radisk.KindString:
		return graph.String(v.Str)
	case radisk.KindRelation:
		return graph.RelationTo(graph.Soul(v.Str))
	default:
		return graph.Null()
	}
}

// Put persists every field of every node in g, batched by Radisk (§4.3).
// cb, if non-nil, is invoked once after every field write completes (with
// the first error encountered, if any).
func (s *Store) Put(g graph.Graph, cb func(error)) {
	var pending int
	for _, node := range g {
		pending += len(node.Fields)
	}
	if pending == 0 {
		if cb != nil {
			cb(nil)
		}
		return
	}

	var firstErr error
	// Buffered to pending: Radisk.Write can invoke its callback synchronously
	// (a size-triggered flush runs inline), so every write below must be able
	// to complete its send before the draining goroutine starts receiving.
	done := make(chan error, pending)

	for soul, node := range g {
		for field, val := range node.Fields {
			st := node.Meta.States[field]
			key := fieldKey(soul, field)
			rec := radisk.Record{Value: toRadiskValue(val), State: int64(st)}
			s.disk.Write(key, rec, func(err error) {
				done <- err
			})
		}
	}
	go func() {
		for i := 0; i < pending; i++ {
			if err := <-done; err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if cb != nil {
			cb(firstErr)
		}
	}()
}

// Get assembles the subgraph matching lex from disk (§4.3). secure, when
// true, is reserved for callers that need to distinguish trusted local
// reads from replies served to remote peers (no behavioral difference at
// this layer beyond documenting intent).
func (s *Store) Get(lex graph.Lex, secure bool) (graph.Graph, error) {
	if lex.Field != nil {
		return s.getFields(lex)
	}
	return s.getWholeNode(lex.Soul)
}

func (s *Store) getWholeNode(soul graph.Soul) (graph.Graph, error) {
	prefix := string(soul) + fieldSep
	node := graph.NewNode(soul)
	found := false
	err := s.disk.ReadRange(radix.Range{Prefix: &prefix}, func(key string, rec radisk.Record) error {
		_, field, ok := splitFieldKey(key)
		if !ok {
			return nil
		}
		found = true
		node.Fields[field] = fromRadiskValue(rec.Value)
		node.Meta.States[field] = graph.State(rec.State)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return graph.Graph{soul: node}, nil
}

func (s *Store) getFields(lex graph.Lex) (graph.Graph, error) {
	node := graph.NewNode(lex.Soul)
	found := false
	visit := func(key string, rec radisk.Record) error {
		_, field, ok := splitFieldKey(key)
		if !ok {
			return nil
		}
		found = true
		node.Fields[field] = fromRadiskValue(rec.Value)
		node.Meta.States[field] = graph.State(rec.State)
		return nil
	}

	sel := lex.Field
	switch {
	case sel.Exact != nil:
		key := fieldKey(lex.Soul, *sel.Exact)
		rec, ok, err := s.disk.Read(key)
		if err != nil {
			return nil, err
		}
		if ok {
			found = true
			node.Fields[*sel.Exact] = fromRadiskValue(rec.Value)
			node.Meta.States[*sel.Exact] = graph.State(rec.State)
		}
	case sel.Prefix != nil:
		prefix := string(lex.Soul) + fieldSep + *sel.Prefix
		if err := s.disk.ReadRange(radix.Range{Prefix: &prefix}, visit); err != nil {
			return nil, err
		}
	case sel.Lo != nil && sel.Hi != nil:
		lo := fieldKey(lex.Soul, *sel.Lo)
		hi := fieldKey(lex.Soul, *sel.Hi)
		if err := s.disk.ReadRange(radix.Range{Lo: &lo, Hi: &hi}, visit); err != nil {
			return nil, err
		}
	}

	if !found {
		return nil, nil
	}
	return graph.Graph{lex.Soul: node}, nil
}
