package wire

import (
	"encoding/json"
	"testing"

	"github.com/interplaynetary/mesh/internal/graph"
)

func TestEncodeDecodeValueRoundTrip(t *testing.T) {
	cases := []graph.Value{
		graph.Null(),
		graph.Bool(true),
		graph.Bool(false),
		graph.Number(3.5),
		graph.String("hello"),
		graph.RelationTo("other-soul"),
	}
	for _, v := range cases {
		raw, err := EncodeValue(v)
		if err != nil {
			t.Fatalf("EncodeValue(%+v): %v", v, err)
		}
		got, err := DecodeValue(raw)
		if err != nil {
			t.Fatalf("DecodeValue(%s): %v", raw, err)
		}
		if !got.Equal(v) {
			t.Fatalf("round trip mismatch: want %+v got %+v (wire %s)", v, got, raw)
		}
	}
}

func TestEncodeDecodeLexRoundTrip(t *testing.T) {
	lexes := []graph.Lex{
		{Soul: "mark"},
		{Soul: "mark", Field: graph.ExactField("name")},
		{Soul: "mark", Field: graph.PrefixField("na")},
		{Soul: "mark", Field: graph.RangeField("a", "z")},
	}
	for _, lex := range lexes {
		w, err := EncodeLex(lex)
		if err != nil {
			t.Fatalf("EncodeLex: %v", err)
		}
		raw, err := json.Marshal(w)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var back WireLex
		if err := json.Unmarshal(raw, &back); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		got, err := DecodeLex(&back)
		if err != nil {
			t.Fatalf("DecodeLex: %v", err)
		}
		if got.Soul != lex.Soul {
			t.Fatalf("soul mismatch: want %s got %s", lex.Soul, got.Soul)
		}
		if (lex.Field == nil) != (got.Field == nil) {
			t.Fatalf("field-nilness mismatch for %+v", lex)
		}
	}
}

func TestEncodeDecodeNodeRoundTrip(t *testing.T) {
	n := graph.NewNode("mark")
	n.Fields["name"] = graph.String("Mark")
	n.Meta.States["name"] = 1
	n.Fields["age"] = graph.Number(30)
	n.Meta.States["age"] = 2
	n.Meta.Sigs[2] = "deadbeef"
	n.Fields["friend"] = graph.RelationTo("alice")
	n.Meta.States["friend"] = 1

	raw, err := EncodeNode(n)
	if err != nil {
		t.Fatalf("EncodeNode: %v", err)
	}
	back, err := DecodeNode(raw)
	if err != nil {
		t.Fatalf("DecodeNode: %v", err)
	}
	if back.Meta.Soul != n.Meta.Soul {
		t.Fatalf("soul mismatch")
	}
	if !back.Fields["name"].Equal(n.Fields["name"]) {
		t.Fatalf("name field mismatch")
	}
	if back.Meta.States["age"] != 2 {
		t.Fatalf("age state mismatch: %v", back.Meta.States["age"])
	}
	if back.Meta.Sigs[2] != "deadbeef" {
		t.Fatalf("signature mismatch: %v", back.Meta.Sigs)
	}
	if !back.Fields["friend"].IsRelation() || back.Fields["friend"].RelationSoul() != "alice" {
		t.Fatalf("relation field mismatch: %+v", back.Fields["friend"])
	}
}

func TestDecodeNodeMissingMetaErrors(t *testing.T) {
	if _, err := DecodeNode(json.RawMessage(`{"name":"Mark"}`)); err == nil {
		t.Fatalf("expected error for node missing metadata")
	}
}

func TestMessageJSONShape(t *testing.T) {
	msg := Message{ID: "abc123", Hello: &HelloPayload{Pub: "peer-pub"}}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := obj["#"]; !ok {
		t.Fatalf("expected \"#\" key in wire message, got %s", raw)
	}
	if _, ok := obj["get"]; ok {
		t.Fatalf("did not expect \"get\" key when unset, got %s", raw)
	}
}
