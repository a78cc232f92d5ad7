package graph

import (
	"errors"
	"sort"
	"strings"
)

// ErrInvalidLex is returned when a Lex query names no soul.
var ErrInvalidLex = errors.New("graph: lex requires a soul")

// Get resolves lex against g and returns the matching subgraph (§4.6). A
// nil, nil result means "not found": the soul, or the requested field
// within it, is absent. With fast=true, a partially-present soul still
// yields a subgraph (containing whatever fields did match) instead of nil.
func Get(lex Lex, g Graph, fast bool) (Graph, error) {
	if lex.Soul == "" {
		return nil, ErrInvalidLex
	}
	node, ok := g[lex.Soul]
	if !ok {
		if fast {
			return Graph{lex.Soul: NewNode(lex.Soul)}, nil
		}
		return nil, nil
	}

	if lex.Field == nil {
		return Graph{lex.Soul: copyNode(node)}, nil
	}

	sub := selectFields(node, lex.Field)
	if len(sub.Fields) == 0 && !fast {
		return nil, nil
	}
	return Graph{lex.Soul: sub}, nil
}

// selectFields builds the restricted node matching sel: only the fields it
// names, with _.> restricted to those same fields.
func selectFields(node *NodeData, sel *FieldSel) *NodeData {
	out := NewNode(node.Meta.Soul)
	switch {
	case sel.Exact != nil:
		copyField(node, out, *sel.Exact)
	case sel.Prefix != nil:
		for name := range node.Fields {
			if strings.HasPrefix(name, *sel.Prefix) {
				copyField(node, out, name)
			}
		}
	case sel.Lo != nil && sel.Hi != nil:
		for name := range node.Fields {
			if name >= *sel.Lo && name <= *sel.Hi {
				copyField(node, out, name)
			}
		}
	}
	return out
}

// copyNode builds a full, independent copy of node: every field, state and
// signature. Callers that hand a node's contents to code running outside
// the lock guarding the working graph (wire replies, GET callbacks) must
// never return the live node itself, since HAM merges mutate a node's
// Fields/States maps in place.
func copyNode(node *NodeData) *NodeData {
	out := NewNode(node.Meta.Soul)
	for name := range node.Fields {
		copyField(node, out, name)
	}
	return out
}

func copyField(src, dst *NodeData, name string) {
	v, ok := src.Fields[name]
	if !ok {
		return
	}
	dst.Fields[name] = v
	if st, ok := src.Meta.States[name]; ok {
		dst.Meta.States[name] = st
	}
	if st, ok := src.Meta.States[name]; ok {
		if sig, ok := src.Meta.Sigs[st]; ok {
			dst.Meta.Sigs[st] = sig
		}
	}
}

// sortedFieldNames returns a node's field names in ascending order, used by
// callers that need deterministic iteration (e.g. tie-break encoding,
// listener dispatch).
func sortedFieldNames(node *NodeData) []string {
	names := make([]string, 0, len(node.Fields))
	for name := range node.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
