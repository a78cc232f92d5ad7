// Package xor implements the Kademlia-style finger table: peers are keyed
// by the SHA-256 XOR distance to a target id, bucketed by leading-zero
// count, and ranked for next-hop selection, over the full 256-bit
// SHA-256 space.
package xor

import (
	"crypto/sha256"
	"errors"
	"sort"
	"sync"
	"time"
)

// K is the per-bucket capacity (Kademlia's k).
const K = 20

// NumBuckets is the number of leading-zero-count buckets over a 256-bit
// distance space.
const NumBuckets = 256

// ErrSelf is returned when a peer attempts to add itself to its own
// finger table.
var ErrSelf = errors.New("xor: cannot add self as a peer")

// ErrBucketFull is returned when addPeer is rejected because its target
// bucket is already at capacity and no existing entry was evicted
// (long-lived connections are preserved over new ones, per Kademlia).
var ErrBucketFull = errors.New("xor: bucket full")

// Hash returns the SHA-256 digest of id, the basis of XOR distance.
func Hash(id string) [32]byte {
	return sha256.Sum256([]byte(id))
}

// Distance XORs two digests byte-wise.
func Distance(a, b [32]byte) [32]byte {
	var d [32]byte
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// less reports whether distance a is strictly less than b, compared as a
// 256-bit big-endian unsigned integer.
func less(a, b [32]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// leadingZeros counts the number of leading zero bits in d (0..256).
func leadingZeros(d [32]byte) int {
	count := 0
	for _, b := range d {
		if b == 0 {
			count += 8
			continue
		}
		for mask := byte(0x80); mask != 0; mask >>= 1 {
			if b&mask != 0 {
				return count
			}
			count++
		}
	}
	return count
}

// bucketIndex maps a non-zero distance to a bucket in [0, NumBuckets-1]:
// the position of its highest set bit, counted from the least significant
// end (bit 0 is the lowest bit), i.e. 255 minus the leading zero count.
func bucketIndex(d [32]byte) int {
	lz := leadingZeros(d)
	if lz >= NumBuckets {
		lz = NumBuckets - 1
	}
	return NumBuckets - 1 - lz
}

type peerEntry struct {
	id      string
	hash    [32]byte
	addedAt time.Time
}

// FingerTable is a Kademlia-style k-bucket routing table, owned
// exclusively by a single Wire instance and used only for next-hop
// selection; storage responsibility is independent.
type FingerTable struct {
	selfID   string
	selfHash [32]byte

	mu      sync.Mutex
	buckets map[int][]*peerEntry
	byID    map[string]*peerEntry
}

// New returns an empty finger table centered on selfID.
func New(selfID string) *FingerTable {
	return &FingerTable{
		selfID:   selfID,
		selfHash: Hash(selfID),
		buckets:  make(map[int][]*peerEntry),
		byID:     make(map[string]*peerEntry),
	}
}

// AddPeer inserts id into its XOR-distance bucket. Re-adding an existing
// id refreshes its position (removes the stale entry first). If the
// target bucket is already at capacity K, the new peer is rejected,
// preserving the existing, longer-lived connections.
func (f *FingerTable) AddPeer(id string) error {
	if id == f.selfID {
		return ErrSelf
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	h := Hash(id)
	bi := bucketIndex(Distance(f.selfHash, h))

	if existing, ok := f.byID[id]; ok {
		f.removeLocked(id, bucketIndex(Distance(f.selfHash, existing.hash)))
	}

	bucket := f.buckets[bi]
	if len(bucket) >= K {
		return ErrBucketFull
	}
	entry := &peerEntry{id: id, hash: h, addedAt: time.Now()}
	f.buckets[bi] = append(bucket, entry)
	f.byID[id] = entry
	return nil
}

// RemovePeer removes id from its bucket and the global index, dropping
// the bucket entirely if it becomes empty.
func (f *FingerTable) RemovePeer(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.byID[id]
	if !ok {
		return
	}
	f.removeLocked(id, bucketIndex(Distance(f.selfHash, entry.hash)))
}

func (f *FingerTable) removeLocked(id string, bi int) {
	delete(f.byID, id)
	bucket := f.buckets[bi]
	for i, e := range bucket {
		if e.id == id {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(f.buckets, bi)
		return
	}
	f.buckets[bi] = bucket
}

// FindClosestPeers concatenates every known peer, sorts by XOR distance to
// Hash(targetID), and returns the nearest k ids (§P9: each returned peer
// is strictly closer, or tied, to every peer excluded from the result).
func (f *FingerTable) FindClosestPeers(targetID string, k int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	targetHash := Hash(targetID)
	all := make([]*peerEntry, 0, len(f.byID))
	for _, e := range f.byID {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		return less(Distance(targetHash, all[i].hash), Distance(targetHash, all[j].hash))
	})
	if k > len(all) {
		k = len(all)
	}
	out := make([]string, k)
	for i := 0; i < k; i++ {
		out[i] = all[i].id
	}
	return out
}

// GetPeer reports whether id is present in the table.
func (f *FingerTable) GetPeer(id string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[id]
	if !ok {
		return "", false
	}
	return e.id, true
}

// GetPeerIDs returns every known peer id, in no particular order.
func (f *FingerTable) GetPeerIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.byID))
	for id := range f.byID {
		out = append(out, id)
	}
	return out
}

// Count returns the number of known peers.
func (f *FingerTable) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byID)
}
