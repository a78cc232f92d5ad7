package radisk

import (
	"sync"
	"testing"
	"time"

	"github.com/interplaynetary/mesh/internal/testutil"
	"github.com/interplaynetary/mesh/pkg/radix"
)

func openTestStore(t *testing.T, opts Options) *Radisk {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	t.Cleanup(func() { _ = sb.Cleanup() })
	opts.Dir = sb.Path("data")
	if opts.Write == 0 {
		opts.Write = time.Millisecond
	}
	r, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestWriteReadRoundTrip(t *testing.T) {
	r := openTestStore(t, Options{})
	var wg sync.WaitGroup
	wg.Add(1)
	r.Write("alice", Record{Value: Str("hello"), State: 1}, func(err error) {
		if err != nil {
			t.Errorf("write callback error: %v", err)
		}
		wg.Done()
	})
	wg.Wait()

	rec, ok, err := r.Read("alice")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !ok {
		t.Fatalf("expected key to be found after flush")
	}
	if rec.Value.Kind != KindString || rec.Value.Str != "hello" || rec.State != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestReadYourWritesBeforeFlush(t *testing.T) {
	r := openTestStore(t, Options{Write: time.Hour})
	r.Write("bob", Record{Value: Num(42), State: 3}, nil)

	rec, ok, err := r.Read("bob")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !ok || rec.Value.Num != 42 {
		t.Fatalf("expected pending batch value visible before flush, got %+v %v", rec, ok)
	}
}

func TestSurvivesReopen(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox: %v", err)
	}
	t.Cleanup(func() { _ = sb.Cleanup() })
	dir := sb.Path("data")

	r1, err := Open(Options{Dir: dir, Write: time.Millisecond})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var wg sync.WaitGroup
	wg.Add(1)
	r1.Write("carol", Record{Value: True(), State: 5}, func(error) { wg.Done() })
	wg.Wait()
	if err := r1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r2, err := Open(Options{Dir: dir, Write: time.Millisecond})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer r2.Close()
	rec, ok, err := r2.Read("carol")
	if err != nil {
		t.Fatalf("Read after reopen: %v", err)
	}
	if !ok || rec.Value.Kind != KindBool || !rec.Value.Bool {
		t.Fatalf("expected carol=true after reopen, got %+v %v", rec, ok)
	}
}

func TestFileSlicingUnderSizeCap(t *testing.T) {
	r := openTestStore(t, Options{Size: 64, Batch: 1 << 20, Write: time.Hour})

	keys := []string{"a001", "a002", "a003", "a004", "a005", "a006", "a007", "a008"}
	var wg sync.WaitGroup
	wg.Add(len(keys))
	for i, k := range keys {
		r.Write(k, Record{Value: Str("payload-value"), State: int64(i)}, func(error) { wg.Done() })
	}
	if err := r.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	wg.Wait()

	for i, k := range keys {
		rec, ok, err := r.Read(k)
		if err != nil {
			t.Fatalf("Read(%q): %v", k, err)
		}
		if !ok || rec.State != int64(i) {
			t.Fatalf("Read(%q) = %+v,%v want state %d", k, rec, ok, i)
		}
	}
	r.mu.Lock()
	numFiles := len(r.index)
	r.mu.Unlock()
	if numFiles < 2 {
		t.Fatalf("expected slicing to produce multiple files, got %d", numFiles)
	}
}

func TestFirstFileAlwaysNamedBang(t *testing.T) {
	r := openTestStore(t, Options{})
	var wg sync.WaitGroup
	wg.Add(1)
	r.Write("m", Record{Value: Num(1), State: 1}, func(error) { wg.Done() })
	wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	for _, e := range r.index {
		if e.name == firstFileName {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %q to be present among files: %+v", firstFileName, r.index)
	}
}

func TestTombstoneNullRoundTrips(t *testing.T) {
	r := openTestStore(t, Options{})
	var wg sync.WaitGroup
	wg.Add(1)
	r.Write("gone", Record{Value: Null(), State: 9}, func(error) { wg.Done() })
	wg.Wait()

	rec, ok, err := r.Read("gone")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !ok {
		t.Fatalf("expected tombstone key to remain present")
	}
	if rec.Value.Kind != KindNull {
		t.Fatalf("expected null value, got %+v", rec.Value)
	}
}

func TestReadRangeMergesBatchAndDisk(t *testing.T) {
	r := openTestStore(t, Options{Write: time.Hour})
	var wg sync.WaitGroup
	wg.Add(2)
	r.Write("range-a", Record{Value: Num(1), State: 1}, func(error) { wg.Done() })
	r.Write("range-b", Record{Value: Num(2), State: 1}, func(error) { wg.Done() })
	if err := r.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	wg.Wait()

	r.Write("range-c", Record{Value: Num(3), State: 1}, nil) // still in batch

	prefix := "range-"
	var got []string
	err := r.ReadRange(radix.Range{Prefix: &prefix}, func(k string, _ Record) error {
		got = append(got, k)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 merged range results, got %v", got)
	}
}

func TestUnencodableValueRejected(t *testing.T) {
	r := openTestStore(t, Options{})
	var called bool
	var wg sync.WaitGroup
	wg.Add(1)
	r.Write("bad", Record{Value: Value{Kind: Kind(99)}, State: 1}, func(err error) {
		called = true
		if err == nil {
			t.Errorf("expected ErrUnencodable, got nil")
		}
		wg.Done()
	})
	wg.Wait()
	if !called {
		t.Fatalf("expected callback to be invoked synchronously for encode failure")
	}
}

func TestBatchThresholdFlushesWithoutTimer(t *testing.T) {
	r := openTestStore(t, Options{Batch: 10, Write: time.Hour})
	var wg sync.WaitGroup
	wg.Add(1)
	r.Write("k", Record{Value: Str("a long enough value to exceed batch cap"), State: 1}, func(error) { wg.Done() })
	waitFor(t, time.Second, func() bool {
		_, ok, _ := r.Read("k")
		return ok
	})
	wg.Wait()
}
