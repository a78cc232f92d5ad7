package listener

import (
	"testing"

	"github.com/interplaynetary/mesh/internal/graph"
)

func TestFireOnlyMatchingField(t *testing.T) {
	r := New()
	var got []string
	r.On("mark", graph.ExactField("name"), func(soul graph.Soul, field string, v graph.Value, s graph.State) {
		got = append(got, field)
	})
	r.Fire("mark", "name", graph.String("Mark"), 1)
	r.Fire("mark", "age", graph.Number(30), 1)
	if len(got) != 1 || got[0] != "name" {
		t.Fatalf("expected only the name field to fire, got %v", got)
	}
}

func TestFireNilFieldSelectorMatchesAll(t *testing.T) {
	r := New()
	count := 0
	r.On("mark", nil, func(graph.Soul, string, graph.Value, graph.State) { count++ })
	r.Fire("mark", "name", graph.String("Mark"), 1)
	r.Fire("mark", "age", graph.Number(30), 1)
	if count != 2 {
		t.Fatalf("expected both fields to fire, got %d", count)
	}
}

func TestOffRemovesSpecificHandle(t *testing.T) {
	r := New()
	count := 0
	h := r.On("mark", nil, func(graph.Soul, string, graph.Value, graph.State) { count++ })
	r.Off(h)
	r.Fire("mark", "name", graph.String("Mark"), 1)
	if count != 0 {
		t.Fatalf("expected no callback after Off, got %d fires", count)
	}
}

func TestOffSoulClearsAllSubscriptions(t *testing.T) {
	r := New()
	count := 0
	r.On("mark", nil, func(graph.Soul, string, graph.Value, graph.State) { count++ })
	r.On("mark", graph.ExactField("name"), func(graph.Soul, string, graph.Value, graph.State) { count++ })
	r.OffSoul("mark")
	r.Fire("mark", "name", graph.String("Mark"), 1)
	if count != 0 {
		t.Fatalf("expected all subscriptions cleared, got %d fires", count)
	}
}

func TestInterestedReflectsRegistrations(t *testing.T) {
	r := New()
	if r.Interested("mark") {
		t.Fatalf("expected no interest before registering")
	}
	r.On("mark", nil, func(graph.Soul, string, graph.Value, graph.State) {})
	if !r.Interested("mark") {
		t.Fatalf("expected interest after registering")
	}
}

func TestPrefixAndRangeSelectors(t *testing.T) {
	r := New()
	var prefixHits, rangeHits int
	r.On("s", graph.PrefixField("na"), func(graph.Soul, string, graph.Value, graph.State) { prefixHits++ })
	r.On("s", graph.RangeField("a", "o"), func(graph.Soul, string, graph.Value, graph.State) { rangeHits++ })

	r.Fire("s", "name", graph.String("x"), 1)
	r.Fire("s", "zeta", graph.String("y"), 1)

	if prefixHits != 1 {
		t.Fatalf("expected prefix selector to match 'name' only, got %d", prefixHits)
	}
	if rangeHits != 1 {
		t.Fatalf("expected range selector to match 'name' (in [a,o]) only, got %d", rangeHits)
	}
}
