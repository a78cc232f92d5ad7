// Package graph defines the in-memory data model shared by HAM, Store, and
// Wire: souls, nodes, values, and the lex query shape used to select a
// node, field, prefix, or range (§3 of the data model).
package graph

// Soul is a globally unique node identifier. Distinguished prefixes:
// "~<pub>" (user-owned, signed), "~@<alias>" (alias, self-referencing),
// anything else (unsigned public).
type Soul string

// State is a per-field logical clock, conventionally a unix millisecond
// timestamp. Ordering is numeric.
type State int64

// Kind discriminates the scalar/relation union a Value carries.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindRelation
)

// Value is the scalar or relation payload of one field.
type Value struct {
	Kind Kind
	Bool bool
	Num  float64
	Str  string // string payload for KindString, soul for KindRelation
}

func Null() Value            { return Value{Kind: KindNull} }
func Bool(b bool) Value      { return Value{Kind: KindBool, Bool: b} }
func Number(n float64) Value { return Value{Kind: KindNumber, Num: n} }
func String(s string) Value  { return Value{Kind: KindString, Str: s} }
func RelationTo(s Soul) Value {
	return Value{Kind: KindRelation, Str: string(s)}
}

// IsRelation reports whether the value points at another soul.
func (v Value) IsRelation() bool { return v.Kind == KindRelation }

// RelationSoul returns the target soul of a relation value. Callers must
// first check IsRelation.
func (v Value) RelationSoul() Soul { return Soul(v.Str) }

// Equal reports deep equality between two values, used by HAM's equal-state
// short-circuit (§4.5 step 3).
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindBool:
		return v.Bool == o.Bool
	case KindNumber:
		return v.Num == o.Num
	case KindString, KindRelation:
		return v.Str == o.Str
	default:
		return true // both null
	}
}

// Meta is a node's "_" metadata record: its own soul, the per-field state
// map, and an optional per-field signature map.
type Meta struct {
	Soul   Soul
	States map[string]State
	Sigs   map[State]string // signature for a given state, when present
}

// NodeData is one graph node: its metadata plus field values.
type NodeData struct {
	Meta   Meta
	Fields map[string]Value
}

// NewNode returns an empty node for soul, with initialized maps.
func NewNode(soul Soul) *NodeData {
	return &NodeData{
		Meta: Meta{
			Soul:   soul,
			States: make(map[string]State),
			Sigs:   make(map[State]string),
		},
		Fields: make(map[string]Value),
	}
}

// MaxState returns the largest per-field state recorded in _.>, used by I5
// eviction ranking and by HAM's monotonicity bookkeeping.
func (n *NodeData) MaxState() State {
	var max State
	for _, s := range n.Meta.States {
		if s > max {
			max = s
		}
	}
	return max
}

// Graph is the in-memory working set: soul -> node.
type Graph map[Soul]*NodeData

// FieldSel selects a field, a field-name prefix, or an inclusive
// [Lo, Hi] range of field names. A nil FieldSel (in Lex.Field) selects the
// whole node.
type FieldSel struct {
	Exact  *string
	Prefix *string
	Lo, Hi *string
}

// ExactField builds a FieldSel matching one field name.
func ExactField(name string) *FieldSel { return &FieldSel{Exact: &name} }

// PrefixField builds a FieldSel matching every field whose name starts
// with prefix.
func PrefixField(prefix string) *FieldSel { return &FieldSel{Prefix: &prefix} }

// RangeField builds a FieldSel matching every field name in [lo, hi].
func RangeField(lo, hi string) *FieldSel { return &FieldSel{Lo: &lo, Hi: &hi} }

// Lex is a query selecting a soul and, optionally, a field/prefix/range
// within it.
type Lex struct {
	Soul  Soul
	Field *FieldSel // nil selects the whole node
}
