// Package wire implements the protocol driver: the GET/PUT/HELLO message
// dispatch, subscription-filtered replication, dedup, rate limiting, and
// XOR-routed outbound delivery that ties graph, store, ham, dup, xor,
// listener and ratelimit together into one running node.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/interplaynetary/mesh/internal/graph"
)

// Message is the JSON wire envelope (§6.2). Exactly one of Hello/Get/Put/Err
// is normally populated on an outbound message; inbound messages are
// decoded permissively and dispatched per whichever fields are present.
type Message struct {
	ID      string          `json:"#"`
	ReplyTo string          `json:"@,omitempty"`
	Hello   *HelloPayload   `json:"hello,omitempty"`
	Get     *WireLex        `json:"get,omitempty"`
	Put     WirePut         `json:"put,omitempty"`
	Err     string          `json:"err,omitempty"`
}

// HelloPayload announces the sender's stable peer id.
type HelloPayload struct {
	Pub string `json:"pub"`
}

// WireLex is the JSON shape of a graph.Lex: soul plus an optional field
// selector under ".".
type WireLex struct {
	Soul  string          `json:"#"`
	Field json.RawMessage `json:".,omitempty"`
}

// WirePut is a soul -> encoded node map, i.e. the JSON shape of a graph.Graph.
type WirePut map[string]json.RawMessage

type wireMeta struct {
	Soul   string             `json:"#"`
	States map[string]float64 `json:">"`
	Sigs   map[string]string  `json:"s,omitempty"`
}

type relationToken struct {
	Soul string `json:"#"`
}

// EncodeLex converts a graph.Lex into its wire representation.
func EncodeLex(lex graph.Lex) (*WireLex, error) {
	w := &WireLex{Soul: string(lex.Soul)}
	if lex.Field == nil {
		return w, nil
	}
	raw, err := encodeFieldSel(lex.Field)
	if err != nil {
		return nil, err
	}
	w.Field = raw
	return w, nil
}

// DecodeLex converts a wire lex back into a graph.Lex.
func DecodeLex(w *WireLex) (graph.Lex, error) {
	if w == nil {
		return graph.Lex{}, fmt.Errorf("wire: nil lex")
	}
	lex := graph.Lex{Soul: graph.Soul(w.Soul)}
	if len(w.Field) == 0 {
		return lex, nil
	}
	sel, err := decodeFieldSel(w.Field)
	if err != nil {
		return graph.Lex{}, err
	}
	lex.Field = sel
	return lex, nil
}

func encodeFieldSel(sel *graph.FieldSel) (json.RawMessage, error) {
	switch {
	case sel.Exact != nil:
		return json.Marshal(*sel.Exact)
	case sel.Prefix != nil:
		return json.Marshal(map[string]string{"*": *sel.Prefix})
	case sel.Lo != nil || sel.Hi != nil:
		m := map[string]string{}
		if sel.Lo != nil {
			m[">"] = *sel.Lo
		}
		if sel.Hi != nil {
			m["<"] = *sel.Hi
		}
		return json.Marshal(m)
	default:
		return nil, fmt.Errorf("wire: empty field selector")
	}
}

func decodeFieldSel(raw json.RawMessage) (*graph.FieldSel, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return graph.ExactField(asString), nil
	}
	var asMap map[string]string
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, fmt.Errorf("wire: invalid field selector: %w", err)
	}
	if p, ok := asMap["*"]; ok {
		return graph.PrefixField(p), nil
	}
	lo, hasLo := asMap[">"]
	hi, hasHi := asMap["<"]
	if hasLo || hasHi {
		return graph.RangeField(lo, hi), nil
	}
	return nil, fmt.Errorf("wire: unrecognized field selector shape")
}

// EncodeValue converts a graph.Value into its wire token: a bare scalar, or
// {"#": soul} for relations.
func EncodeValue(v graph.Value) (json.RawMessage, error) {
	switch v.Kind {
	case graph.KindNull:
		return json.Marshal(nil)
	case graph.KindBool:
		return json.Marshal(v.Bool)
	case graph.KindNumber:
		return json.Marshal(v.Num)
	case graph.KindString:
		return json.Marshal(v.Str)
	case graph.KindRelation:
		return json.Marshal(relationToken{Soul: string(v.RelationSoul())})
	default:
		return nil, fmt.Errorf("wire: unknown value kind %v", v.Kind)
	}
}

// DecodeValue is the inverse of EncodeValue.
func DecodeValue(raw json.RawMessage) (graph.Value, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return graph.Null(), nil
	}
	if raw[0] == '{' {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(raw, &probe); err != nil {
			return graph.Value{}, fmt.Errorf("wire: invalid relation token: %w", err)
		}
		soulRaw, ok := probe["#"]
		if !ok || len(probe) != 1 {
			return graph.Value{}, fmt.Errorf("wire: relation token must contain only \"#\"")
		}
		var soul string
		if err := json.Unmarshal(soulRaw, &soul); err != nil {
			return graph.Value{}, fmt.Errorf("wire: relation soul: %w", err)
		}
		return graph.RelationTo(graph.Soul(soul)), nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return graph.Bool(b), nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return graph.Number(n), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return graph.String(s), nil
	}
	return graph.Value{}, fmt.Errorf("wire: undecodable value token %s", raw)
}

// EncodeNode converts one graph.NodeData into its wire JSON object.
func EncodeNode(n *graph.NodeData) (json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(n.Fields)+1)

	meta := wireMeta{Soul: string(n.Meta.Soul), States: make(map[string]float64, len(n.Meta.States))}
	for f, st := range n.Meta.States {
		meta.States[f] = float64(st)
	}
	if len(n.Meta.Sigs) > 0 {
		meta.Sigs = make(map[string]string, len(n.Meta.Sigs))
		for st, sig := range n.Meta.Sigs {
			meta.Sigs[fmt.Sprintf("%d", st)] = sig
		}
	}
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	out["_"] = metaRaw

	for field, v := range n.Fields {
		raw, err := EncodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("wire: field %q: %w", field, err)
		}
		out[field] = raw
	}
	return json.Marshal(out)
}

// DecodeNode is the inverse of EncodeNode.
func DecodeNode(raw json.RawMessage) (*graph.NodeData, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("wire: decode node: %w", err)
	}
	metaRaw, ok := obj["_"]
	if !ok {
		return nil, fmt.Errorf("wire: node missing metadata")
	}
	var meta wireMeta
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return nil, fmt.Errorf("wire: decode node metadata: %w", err)
	}
	n := graph.NewNode(graph.Soul(meta.Soul))
	for f, st := range meta.States {
		n.Meta.States[f] = graph.State(st)
	}
	for stStr, sig := range meta.Sigs {
		var st int64
		if _, err := fmt.Sscanf(stStr, "%d", &st); err == nil {
			n.Meta.Sigs[graph.State(st)] = sig
		}
	}
	for field, raw := range obj {
		if field == "_" {
			continue
		}
		v, err := DecodeValue(raw)
		if err != nil {
			return nil, fmt.Errorf("wire: field %q: %w", field, err)
		}
		n.Fields[field] = v
	}
	return n, nil
}

// EncodeGraph converts a graph.Graph into its WirePut shape.
func EncodeGraph(g graph.Graph) (WirePut, error) {
	out := make(WirePut, len(g))
	for soul, node := range g {
		raw, err := EncodeNode(node)
		if err != nil {
			return nil, err
		}
		out[string(soul)] = raw
	}
	return out, nil
}

// DecodeGraph is the inverse of EncodeGraph.
func DecodeGraph(put WirePut) (graph.Graph, error) {
	g := make(graph.Graph, len(put))
	for soul, raw := range put {
		n, err := DecodeNode(raw)
		if err != nil {
			return nil, fmt.Errorf("wire: soul %q: %w", soul, err)
		}
		g[graph.Soul(soul)] = n
	}
	return g, nil
}
