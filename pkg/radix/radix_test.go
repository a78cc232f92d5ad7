package radix

import (
	"sort"
	"testing"
)

func TestSetGet(t *testing.T) {
	tr := New()
	tr.Set("mark", "alice")
	tr.Set("marker", "beta")
	tr.Set("mar", "root")

	cases := map[string]string{"mark": "alice", "marker": "beta", "mar": "root"}
	for k, want := range cases {
		got, ok := tr.Get(k)
		if !ok || got != want {
			t.Fatalf("Get(%q) = %v,%v want %v", k, got, ok, want)
		}
	}
	if _, ok := tr.Get("nope"); ok {
		t.Fatalf("expected miss for absent key")
	}
}

func TestSetOverwrite(t *testing.T) {
	tr := New()
	tr.Set("x", 1)
	tr.Set("x", 2)
	v, ok := tr.Get("x")
	if !ok || v != 2 {
		t.Fatalf("expected overwritten value 2, got %v,%v", v, ok)
	}
}

func TestPrefixSplitBothDirections(t *testing.T) {
	tr := New()
	// "team" then "tea" (new key is a strict prefix of existing edge).
	tr.Set("team", "A")
	tr.Set("tea", "B")
	// "toast" then "toaster" (existing edge is a strict prefix of new key).
	tr.Set("toast", "C")
	tr.Set("toaster", "D")
	// Partial overlap requiring a branch split.
	tr.Set("test", "E")

	for k, want := range map[string]string{"team": "A", "tea": "B", "toast": "C", "toaster": "D", "test": "E"} {
		got, ok := tr.Get(k)
		if !ok || got != want {
			t.Fatalf("Get(%q) = %v,%v want %v", k, got, ok, want)
		}
	}
}

func TestMapAscendingOrder(t *testing.T) {
	tr := New()
	keys := []string{"b", "a", "ba", "ab", "aa", "bb"}
	for _, k := range keys {
		tr.Set(k, k)
	}
	var seen []string
	if err := tr.Map(func(k string, _ any) error {
		seen = append(seen, k)
		return nil
	}); err != nil {
		t.Fatalf("Map error: %v", err)
	}
	want := append([]string(nil), keys...)
	sort.Strings(want)
	if len(seen) != len(want) {
		t.Fatalf("got %v want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("out of order at %d: got %v want %v", i, seen, want)
		}
	}
}

func TestMapEarlyExit(t *testing.T) {
	tr := New()
	for _, k := range []string{"a", "b", "c", "d"} {
		tr.Set(k, k)
	}
	var count int
	err := tr.Map(func(k string, _ any) error {
		count++
		if k == "b" {
			return ErrStop
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error on ErrStop, got %v", err)
	}
	if count != 2 {
		t.Fatalf("expected traversal to stop after 2 entries, got %d", count)
	}
}

func TestRangeQueryPrefixAndInterval(t *testing.T) {
	tr := New()
	for _, k := range []string{"name", "nameLast", "age", "email", "ng"} {
		tr.Set(k, k)
	}
	var prefixed []string
	p := "na"
	if err := tr.RangeQuery(Range{Prefix: &p}, func(k string, _ any) error {
		prefixed = append(prefixed, k)
		return nil
	}); err != nil {
		t.Fatalf("RangeQuery prefix error: %v", err)
	}
	if len(prefixed) != 2 {
		t.Fatalf("expected 2 prefix matches, got %v", prefixed)
	}

	var ranged []string
	lo, hi := "age", "name"
	if err := tr.RangeQuery(Range{Lo: &lo, Hi: &hi}, func(k string, _ any) error {
		ranged = append(ranged, k)
		return nil
	}); err != nil {
		t.Fatalf("RangeQuery interval error: %v", err)
	}
	want := []string{"age", "email", "name"}
	if len(ranged) != len(want) {
		t.Fatalf("got %v want %v", ranged, want)
	}
	for i := range want {
		if ranged[i] != want[i] {
			t.Fatalf("got %v want %v", ranged, want)
		}
	}
}

func TestDelete(t *testing.T) {
	tr := New()
	tr.Set("k", "v")
	if !tr.Delete("k") {
		t.Fatalf("expected Delete to report a prior value")
	}
	if _, ok := tr.Get("k"); ok {
		t.Fatalf("expected key removed")
	}
	if tr.Delete("k") {
		t.Fatalf("expected second Delete to report no prior value")
	}
}
