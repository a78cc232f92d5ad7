package ham

import (
	"fmt"
	"testing"
	"time"

	"github.com/interplaynetary/mesh/internal/graph"
)

func withFixedNow(t *testing.T, at time.Time) {
	t.Helper()
	orig := nowFn
	nowFn = func() time.Time { return at }
	t.Cleanup(func() { nowFn = orig })
}

func changeWith(soul graph.Soul, field string, state graph.State, val graph.Value) graph.Graph {
	n := graph.NewNode(soul)
	n.Fields[field] = val
	n.Meta.States[field] = state
	return graph.Graph{soul: n}
}

func TestMergeNewerWins(t *testing.T) {
	v, s, accepted := Merge(2, 1, graph.String("Bob"), graph.String("Alice"), true)
	if !accepted || v.Str != "Bob" || s != 2 {
		t.Fatalf("expected incoming to win, got %+v %v %v", v, s, accepted)
	}
}

func TestMergeHistoricalRejected(t *testing.T) {
	v, s, accepted := Merge(1, 2, graph.String("Alice"), graph.String("Bob"), true)
	if accepted || v.Str != "Bob" || s != 2 {
		t.Fatalf("expected current to survive, got %+v %v %v", v, s, accepted)
	}
}

func TestMergeTieBreakDeterministic(t *testing.T) {
	v1, _, a1 := Merge(1, 1, graph.String("alpha"), graph.String("beta"), true)
	v2, _, a2 := Merge(1, 1, graph.String("beta"), graph.String("alpha"), true)
	if v1.Str != "beta" || v2.Str != "beta" {
		t.Fatalf("expected both orderings to settle on the lexicographically larger value, got %q and %q", v1.Str, v2.Str)
	}
	if a1 == false && v1.Str == "alpha" {
		t.Fatalf("unexpected acceptance result")
	}
	_ = a2
}

func TestMergeEqualValuesNoChange(t *testing.T) {
	_, _, accepted := Merge(1, 1, graph.String("same"), graph.String("same"), true)
	if accepted {
		t.Fatalf("expected no-op for deeply-equal values at equal state")
	}
}

func TestMixNewerWinsScenarioS2(t *testing.T) {
	at := time.UnixMilli(1000)
	withFixedNow(t, at)
	g := graph.Graph{}
	_, err := Mix(changeWith("mark", "name", 1, graph.String("Alice")), g, false, nil)
	if err != nil {
		t.Fatalf("Mix: %v", err)
	}
	res, err := Mix(changeWith("mark", "name", 2, graph.String("Bob")), g, false, nil)
	if err != nil {
		t.Fatalf("Mix: %v", err)
	}
	if g["mark"].Fields["name"].Str != "Bob" {
		t.Fatalf("expected Bob to win, got %+v", g["mark"].Fields)
	}
	if res.Now["mark"].Fields["name"].Str != "Bob" {
		t.Fatalf("expected accepted subgraph to report Bob")
	}
}

func TestMixHistoricalRejectedScenarioS3(t *testing.T) {
	at := time.UnixMilli(1000)
	withFixedNow(t, at)
	g := graph.Graph{}
	_, _ = Mix(changeWith("mark", "name", 2, graph.String("Bob")), g, false, nil)
	res, err := Mix(changeWith("mark", "name", 1, graph.String("Alice")), g, false, nil)
	if err != nil {
		t.Fatalf("Mix: %v", err)
	}
	if g["mark"].Fields["name"].Str != "Bob" {
		t.Fatalf("expected Bob to survive historical write, got %+v", g["mark"].Fields)
	}
	if len(res.Now) != 0 {
		t.Fatalf("expected nothing accepted, got %+v", res.Now)
	}
}

func TestMixTieBreakScenarioS4(t *testing.T) {
	at := time.UnixMilli(1000)
	withFixedNow(t, at)
	g1 := graph.Graph{}
	_, _ = Mix(changeWith("s", "x", 1, graph.String("alpha")), g1, false, nil)
	_, _ = Mix(changeWith("s", "x", 1, graph.String("beta")), g1, false, nil)

	g2 := graph.Graph{}
	_, _ = Mix(changeWith("s", "x", 1, graph.String("beta")), g2, false, nil)
	_, _ = Mix(changeWith("s", "x", 1, graph.String("alpha")), g2, false, nil)

	if g1["s"].Fields["x"].Str != "beta" || g2["s"].Fields["x"].Str != "beta" {
		t.Fatalf("expected both orders to converge on beta, got %q and %q", g1["s"].Fields["x"].Str, g2["s"].Fields["x"].Str)
	}
}

func TestMixDeferralScenarioS5(t *testing.T) {
	at := time.UnixMilli(1_000_000)
	withFixedNow(t, at)
	g := graph.Graph{}
	future := graph.State(at.UnixMilli() + 100)
	res, err := Mix(changeWith("s", "x", future, graph.String("future")), g, false, nil)
	if err != nil {
		t.Fatalf("Mix: %v", err)
	}
	if len(res.Now) != 0 {
		t.Fatalf("expected nothing accepted before the deferred state arrives")
	}
	if res.Defer["s"].Fields["x"].Str != "future" {
		t.Fatalf("expected field deferred, got %+v", res.Defer)
	}
	if res.Wait != 100*time.Millisecond {
		t.Fatalf("expected wait of 100ms, got %v", res.Wait)
	}

	withFixedNow(t, at.Add(100*time.Millisecond))
	res2, err := Mix(res.Defer, g, false, nil)
	if err != nil {
		t.Fatalf("Mix retry: %v", err)
	}
	if g["s"].Fields["x"].Str != "future" {
		t.Fatalf("expected deferred field applied after wait elapses, got %+v", g["s"].Fields)
	}
	if len(res2.Now) == 0 {
		t.Fatalf("expected retry to report acceptance")
	}
}

func TestMixDropsTooFarFuture(t *testing.T) {
	at := time.UnixMilli(1000)
	withFixedNow(t, at)
	g := graph.Graph{}
	tooFar := graph.State(at.UnixMilli() + (25 * time.Hour).Milliseconds())
	res, err := Mix(changeWith("s", "x", tooFar, graph.String("never")), g, false, nil)
	if err != nil {
		t.Fatalf("Mix: %v", err)
	}
	if len(res.Now) != 0 || len(res.Defer) != 0 {
		t.Fatalf("expected field dropped outright, got now=%+v defer=%+v", res.Now, res.Defer)
	}
	if _, ok := g["s"]; ok {
		t.Fatalf("expected no node created for a dropped field")
	}
}

type fakeVerifier struct {
	ok bool
}

func (f fakeVerifier) Verify(pub, value, sig string) (bool, error) { return f.ok, nil }

func TestMixUserSoulRequiresValidSignatureP10(t *testing.T) {
	at := time.UnixMilli(1000)
	withFixedNow(t, at)
	g := graph.Graph{}

	n := graph.NewNode("~pubkey")
	n.Fields["name"] = graph.String("Mark")
	n.Meta.States["name"] = 1
	n.Meta.Sigs[1] = "sig-1"
	change := graph.Graph{"~pubkey": n}

	res, err := Mix(change, g, true, fakeVerifier{ok: false})
	if err != nil {
		t.Fatalf("Mix: %v", err)
	}
	if len(res.Now) != 0 {
		t.Fatalf("expected rejection under a failing verifier, got %+v", res.Now)
	}

	res, err = Mix(change, g, true, fakeVerifier{ok: true})
	if err != nil {
		t.Fatalf("Mix: %v", err)
	}
	if g["~pubkey"].Fields["name"].Str != "Mark" {
		t.Fatalf("expected accepted write under a verifying signature, got %+v", g["~pubkey"])
	}
	_ = res
}

func TestMixUserSoulWithoutSignatureDropped(t *testing.T) {
	at := time.UnixMilli(1000)
	withFixedNow(t, at)
	g := graph.Graph{}
	n := graph.NewNode("~pubkey")
	n.Fields["name"] = graph.String("Mark")
	n.Meta.States["name"] = 1 // no Sigs entry
	res, err := Mix(graph.Graph{"~pubkey": n}, g, true, fakeVerifier{ok: true})
	if err != nil {
		t.Fatalf("Mix: %v", err)
	}
	if len(res.Now) != 0 {
		t.Fatalf("expected unsigned field on a user soul to be dropped, got %+v", res.Now)
	}
}

func TestMixAliasSoulFieldMustMatchRelation(t *testing.T) {
	at := time.UnixMilli(1000)
	withFixedNow(t, at)
	g := graph.Graph{}

	good := graph.NewNode("~@handle")
	good.Fields["amy"] = graph.RelationTo("amy")
	good.Meta.States["amy"] = 1

	bad := graph.NewNode("~@handle")
	bad.Fields["not-amy"] = graph.RelationTo("amy")
	bad.Meta.States["not-amy"] = 1

	res, err := Mix(graph.Graph{"~@handle": good}, g, false, nil)
	if err != nil {
		t.Fatalf("Mix: %v", err)
	}
	if len(res.Now) == 0 {
		t.Fatalf("expected self-referencing alias field accepted")
	}

	g2 := graph.Graph{}
	res2, err := Mix(graph.Graph{"~@handle": bad}, g2, false, nil)
	if err != nil {
		t.Fatalf("Mix: %v", err)
	}
	if len(res2.Now) != 0 {
		t.Fatalf("expected mismatched alias field dropped, got %+v", res2.Now)
	}
}

func TestMixEvictsOverflowI5(t *testing.T) {
	g := graph.Graph{}
	for i := 0; i < MaxGraphSize+5; i++ {
		soul := graph.Soul(fmt.Sprintf("soul-%d", i))
		n := graph.NewNode(soul)
		n.Meta.States["x"] = graph.State(i)
		g[soul] = n
	}
	evictOverflow(g)
	if len(g) != MaxGraphSize {
		t.Fatalf("expected graph capped at %d, got %d", MaxGraphSize, len(g))
	}
	if _, ok := g["soul-0"]; ok {
		t.Fatalf("expected lowest-state soul to be evicted first")
	}
	if _, ok := g[graph.Soul(fmt.Sprintf("soul-%d", MaxGraphSize+4))]; !ok {
		t.Fatalf("expected highest-state soul to survive eviction")
	}
}

func TestMixRejectsNilInputs(t *testing.T) {
	if _, err := Mix(nil, graph.Graph{}, false, nil); err != ErrInvalidChange {
		t.Fatalf("expected ErrInvalidChange for nil change, got %v", err)
	}
	if _, err := Mix(graph.Graph{}, nil, false, nil); err != ErrInvalidChange {
		t.Fatalf("expected ErrInvalidChange for nil graph, got %v", err)
	}
}
