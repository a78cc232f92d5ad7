// Package radisk implements a persistent radix-tree-backed key/value store
// that packs arbitrarily many keys into size-capped files, buffering writes
// in an in-memory batch and flushing on a timer or size threshold. It has no
// knowledge of souls, fields, or the graph model — pkg/radisk is a generic
// persistence primitive; internal/store adapts it to the wire data model.
package radisk

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/interplaynetary/mesh/pkg/radix"
)

// firstFileName is the reserved name of the file holding the lowest key
// range, always present once any data has been written (§6.3).
const firstFileName = "!"

// defaultCacheEntries bounds the decoded-file LRU cache when Cache is
// enabled but no explicit size is requested.
const defaultCacheEntries = 256

// Options configures a Radisk instance (§6.4).
type Options struct {
	Dir         string        // directory holding the radix files
	Size        int           // max bytes per file before slicing (default 1MiB)
	Batch       int           // batch byte threshold that forces an early flush
	Write       time.Duration // idle interval between flushes (default 1ms)
	Cache       bool          // keep decoded file contents in memory
	CacheSize   int           // decoded-file cache capacity, if Cache is set
	Logger      *logrus.Logger
}

func (o *Options) setDefaults() {
	if o.Size <= 0 {
		o.Size = 1 << 20
	}
	if o.Batch <= 0 {
		o.Batch = o.Size / 4
	}
	if o.Write <= 0 {
		o.Write = time.Millisecond
	}
	if o.CacheSize <= 0 {
		o.CacheSize = defaultCacheEntries
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

type fileEntry struct {
	name   string
	minKey string // "" for the reserved first-file entry
}

// Radisk is a directory of packed radix files plus an in-memory batch of
// writes not yet flushed to disk.
type Radisk struct {
	opts   Options
	logger *logrus.Logger

	mu      sync.Mutex
	batch   *radix.Tree
	batchN  int // approximate encoded size of pending batch, bytes
	pending []func(error)
	timer   *time.Timer
	index   []fileEntry
	cache   *lru.Cache[string, *radix.Tree]
	closed  bool
}

// Open loads (or creates) the directory index for dir and returns a ready
// Radisk instance.
func Open(opts Options) (*Radisk, error) {
	opts.setDefaults()
	if opts.Dir == "" {
		return nil, fmt.Errorf("radisk: Dir is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("radisk: mkdir %s: %w", opts.Dir, err)
	}
	r := &Radisk{
		opts:   opts,
		logger: opts.Logger,
		batch:  radix.New(),
	}
	if opts.Cache {
		c, err := lru.New[string, *radix.Tree](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("radisk: new cache: %w", err)
		}
		r.cache = c
	}
	if err := r.loadIndex(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Radisk) loadIndex() error {
	entries, err := os.ReadDir(r.opts.Dir)
	if err != nil {
		return fmt.Errorf("radisk: read dir %s: %w", r.opts.Dir, err)
	}
	r.index = r.index[:0]
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == firstFileName {
			r.index = append(r.index, fileEntry{name: firstFileName, minKey: ""})
			continue
		}
		r.index = append(r.index, fileEntry{name: name, minKey: name})
	}
	sortIndex(r.index)
	return nil
}

func sortIndex(idx []fileEntry) {
	sort.Slice(idx, func(i, j int) bool { return idx[i].minKey < idx[j].minKey })
}

// Write stages a key/value write into the in-memory batch and arms (or
// extends) the flush timer. cb, if non-nil, fires once the write has been
// durably flushed (or the flush failed).
func (r *Radisk) Write(key string, rec Record, cb func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		if cb != nil {
			cb(fmt.Errorf("radisk: store closed"))
		}
		return
	}
	n, err := encodedLen(key, rec)
	if err != nil {
		if cb != nil {
			cb(err)
		}
		return
	}
	r.batch.Set(key, rec)
	r.batchN += n
	if cb != nil {
		r.pending = append(r.pending, cb)
	}
	if r.batchN >= r.opts.Batch {
		r.flushLocked()
		return
	}
	if r.timer == nil {
		r.timer = time.AfterFunc(r.opts.Write, r.timerFlush)
	} else {
		r.timer.Reset(r.opts.Write)
	}
}

func (r *Radisk) timerFlush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushLocked()
}

// Flush forces any pending batch to disk synchronously.
func (r *Radisk) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked()
}

func (r *Radisk) flushLocked() error {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.batchN == 0 {
		return nil
	}
	var staged []stagedWrite
	_ = r.batch.Map(func(k string, v any) error {
		staged = append(staged, stagedWrite{key: k, rec: v.(Record)})
		return nil
	})
	r.batch = radix.New()
	r.batchN = 0
	cbs := r.pending
	r.pending = nil

	err := r.mergeAndWrite(staged)
	for _, cb := range cbs {
		cb(err)
	}
	return err
}

// stagedWrite is one record awaiting assignment to a candidate file during
// a flush.
type stagedWrite struct {
	key string
	rec Record
}

// mergeAndWrite groups staged records by candidate file, merges each group
// into that file's decoded tree, and rewrites (possibly slicing) every
// dirty file.
func (r *Radisk) mergeAndWrite(staged []stagedWrite) error {
	dirty := map[string]*radix.Tree{}
	order := []string{}
	for _, s := range staged {
		name := r.locateFile(s.key)
		tr, ok := dirty[name]
		if !ok {
			loaded, err := r.loadFileTree(name)
			if err != nil {
				return err
			}
			tr = loaded
			dirty[name] = tr
			order = append(order, name)
		}
		tr.Set(s.key, s.rec)
	}

	isFirstEver := len(r.index) == 0
	for _, name := range order {
		tr := dirty[name]
		keys, recs := flattenTree(tr)
		if len(keys) == 0 {
			continue
		}
		if err := r.writeOrSlice(name, keys, recs, name == firstFileName || isFirstEver && name == r.fallbackFirstName()); err != nil {
			return err
		}
		isFirstEver = false
	}
	sortIndex(r.index)
	return nil
}

// fallbackFirstName is the synthetic candidate name used for the very first
// write this store has ever seen (before any file, even "!", exists).
func (r *Radisk) fallbackFirstName() string { return "" }

// locateFile returns the name of the file whose range should hold key: the
// entry with the greatest minKey <= key.
func (r *Radisk) locateFile(key string) string {
	if len(r.index) == 0 {
		return "" // sentinel: no file yet, becomes "!" on first write
	}
	name := r.index[0].name
	for _, e := range r.index {
		if e.minKey <= key {
			name = e.name
		} else {
			break
		}
	}
	return name
}

func (r *Radisk) loadFileTree(name string) (*radix.Tree, error) {
	if name == "" {
		return radix.New(), nil
	}
	if r.cache != nil {
		if tr, ok := r.cache.Get(name); ok {
			return cloneTree(tr), nil
		}
	}
	data, err := os.ReadFile(filepath.Join(r.opts.Dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return radix.New(), nil
		}
		return nil, fmt.Errorf("radisk: read %s: %w", name, err)
	}
	keys, recs, err := decodeFile(data)
	if err != nil {
		return nil, fmt.Errorf("radisk: parse %s: %w", name, err)
	}
	tr := radix.New()
	for i, k := range keys {
		tr.Set(k, recs[i])
	}
	return tr, nil
}

func cloneTree(src *radix.Tree) *radix.Tree {
	dst := radix.New()
	_ = src.Map(func(k string, v any) error {
		dst.Set(k, v)
		return nil
	})
	return dst
}

func flattenTree(tr *radix.Tree) ([]string, []Record) {
	var keys []string
	var recs []Record
	_ = tr.Map(func(k string, v any) error {
		keys = append(keys, k)
		recs = append(recs, v.(Record))
		return nil
	})
	return keys, recs
}

// writeOrSlice persists the (keys, recs) set under origName's identity. If
// the encoded size exceeds the configured cap, the set is sliced into
// multiple files (I6); a single oversize record is still written alone
// rather than rejected (the "sub-key exception", §4.2 edge cases).
func (r *Radisk) writeOrSlice(origName string, keys []string, recs []Record, keepsFirstIdentity bool) error {
	total := 0
	for i, k := range keys {
		n, err := encodedLen(k, recs[i])
		if err != nil {
			return err
		}
		total += n
	}
	if total <= r.opts.Size {
		name := keys[0]
		if keepsFirstIdentity || origName == firstFileName {
			name = firstFileName
		}
		return r.writeFile(origName, name, keys, recs)
	}

	// Slice into size-bounded chunks, greedily.
	type chunk struct {
		keys []string
		recs []Record
		size int
	}
	var chunks []chunk
	cur := chunk{}
	for i, k := range keys {
		n, _ := encodedLen(k, recs[i])
		if len(cur.keys) > 0 && cur.size+n > r.opts.Size {
			chunks = append(chunks, cur)
			cur = chunk{}
		}
		cur.keys = append(cur.keys, k)
		cur.recs = append(cur.recs, recs[i])
		cur.size += n
	}
	if len(cur.keys) > 0 {
		chunks = append(chunks, cur)
	}

	// The original file's name is retired; every chunk gets written fresh.
	if origName != "" {
		if err := r.removeFile(origName); err != nil {
			return err
		}
	}
	for i, c := range chunks {
		name := c.keys[0]
		if i == 0 && (keepsFirstIdentity || origName == firstFileName) {
			name = firstFileName
		}
		if err := r.writeFile("", name, c.keys, c.recs); err != nil {
			return err
		}
	}
	return nil
}

func (r *Radisk) writeFile(origName, newName string, keys []string, recs []Record) error {
	data, err := encodeFile(keys, recs)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(r.opts.Dir, newName), data, 0o644); err != nil {
		return fmt.Errorf("radisk: write %s: %w", newName, err)
	}
	if origName != "" && origName != newName {
		if err := r.removeFile(origName); err != nil {
			return err
		}
	}
	r.setIndexEntry(newName, keys[0])
	if r.cache != nil {
		tr := radix.New()
		for i, k := range keys {
			tr.Set(k, recs[i])
		}
		r.cache.Add(newName, tr)
	}
	return nil
}

func (r *Radisk) removeFile(name string) error {
	_ = os.Remove(filepath.Join(r.opts.Dir, name))
	if r.cache != nil {
		r.cache.Remove(name)
	}
	for i, e := range r.index {
		if e.name == name {
			r.index = append(r.index[:i], r.index[i+1:]...)
			break
		}
	}
	return nil
}

func (r *Radisk) setIndexEntry(name, minKey string) {
	mk := minKey
	if name == firstFileName {
		mk = ""
	}
	for i, e := range r.index {
		if e.name == name {
			r.index[i].minKey = mk
			return
		}
	}
	r.index = append(r.index, fileEntry{name: name, minKey: mk})
}

// Read looks up key, consulting the pending batch first (read-your-writes)
// and falling back to the file on disk that owns its range.
func (r *Radisk) Read(key string) (Record, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.batch.Get(key); ok {
		return v.(Record), true, nil
	}
	name := r.locateFile(key)
	tr, err := r.loadFileTree(name)
	if err != nil {
		return Record{}, false, err
	}
	v, ok := tr.Get(key)
	if !ok {
		return Record{}, false, nil
	}
	return v.(Record), true, nil
}

// ReadRange yields every (key, Record) matching q in ascending order,
// merging the pending batch with every file on disk.
func (r *Radisk) ReadRange(q radix.Range, fn func(key string, rec Record) error) error {
	r.mu.Lock()
	merged := radix.New()
	for _, e := range r.index {
		tr, err := r.loadFileTree(e.name)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		_ = tr.Map(func(k string, v any) error {
			merged.Set(k, v)
			return nil
		})
	}
	_ = r.batch.Map(func(k string, v any) error {
		merged.Set(k, v)
		return nil
	})
	r.mu.Unlock()

	return merged.RangeQuery(q, func(k string, v any) error {
		return fn(k, v.(Record))
	})
}

// Close flushes any pending batch and marks the store closed.
func (r *Radisk) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.flushLocked()
	r.closed = true
	return err
}
