package overlay

import (
	"crypto/sha256"
	"sort"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multihash"
)

// bucketCount mirrors the 256-bit key space produced by hashing a peer
// ID down to a SHA-256 digest for XOR-distance comparison.
const bucketCount = 256

// routingTable is a minimal Kademlia-style structure: peers are kept in
// buckets indexed by the length of the common prefix between their
// keyed ID and the table's own keyed ID. It favors simplicity over
// strict k-bucket eviction policy.
type routingTable struct {
	mu      sync.RWMutex
	selfKey [32]byte
	buckets [bucketCount][]peer.AddrInfo
	maxSize int
}

func newRoutingTable(self peer.ID, maxBucketSize int) *routingTable {
	return &routingTable{
		selfKey: keyFor(self),
		maxSize: maxBucketSize,
	}
}

// keyFor derives the 256-bit routing key for a peer by hashing its ID
// through the same multihash encoding DHT implementations use, so keys
// here are comparable with provider records produced elsewhere.
func keyFor(id peer.ID) [32]byte {
	sum, err := multihash.Sum([]byte(id), multihash.SHA2_256, -1)
	if err != nil {
		return sha256.Sum256([]byte(id))
	}
	decoded, err := multihash.Decode(sum)
	if err != nil {
		return sha256.Sum256([]byte(id))
	}
	var key [32]byte
	copy(key[:], decoded.Digest)
	return key
}

func commonPrefixLen(a, b [32]byte) int {
	for i := range a {
		x := a[i] ^ b[i]
		if x == 0 {
			continue
		}
		for bit := 7; bit >= 0; bit-- {
			if x&(1<<uint(bit)) != 0 {
				return i*8 + (7 - bit)
			}
		}
	}
	return bucketCount
}

// Add records an inbound-usable address for a peer. It is safe to call
// repeatedly for the same peer; duplicates are de-duplicated by ID.
func (t *routingTable) Add(info peer.AddrInfo) {
	if info.ID == "" {
		return
	}
	idx := commonPrefixLen(t.selfKey, keyFor(info.ID))
	if idx >= bucketCount {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i, existing := range t.buckets[idx] {
		if existing.ID == info.ID {
			t.buckets[idx][i] = info
			return
		}
	}
	if len(t.buckets[idx]) >= t.maxSize {
		t.buckets[idx] = t.buckets[idx][1:]
	}
	t.buckets[idx] = append(t.buckets[idx], info)
}

// Remove drops a peer from the table, if present.
func (t *routingTable) Remove(id peer.ID) {
	idx := commonPrefixLen(t.selfKey, keyFor(id))
	if idx >= bucketCount {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	bucket := t.buckets[idx]
	for i, existing := range bucket {
		if existing.ID == id {
			t.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// Closest returns up to n peers ordered by ascending XOR distance to
// key, across all buckets.
func (t *routingTable) Closest(targetKey [32]byte, n int) []peer.AddrInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var all []peer.AddrInfo
	for _, bucket := range t.buckets {
		all = append(all, bucket...)
	}
	sort.Slice(all, func(i, j int) bool {
		ki, kj := keyFor(all[i].ID), keyFor(all[j].ID)
		for b := range targetKey {
			di, dj := ki[b]^targetKey[b], kj[b]^targetKey[b]
			if di != dj {
				return di < dj
			}
		}
		return false
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Size returns the total number of peers known across all buckets.
func (t *routingTable) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := 0
	for _, bucket := range t.buckets {
		total += len(bucket)
	}
	return total
}
