// Package ring implements a consistent-hashing ring mapping opaque string
// keys to one of a set of worker endpoints, with virtual-node replication
// for low-variance distribution and graceful membership change.
package ring

import (
	"crypto/md5"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"sync"
)

// DefaultVirtualNodes is the per-endpoint replication factor used when a
// Ring is constructed without an explicit value.
const DefaultVirtualNodes = 150

// ErrEmptyRing is returned by Lookup when no endpoints are registered.
var ErrEmptyRing = errors.New("ring: no endpoints registered")

// vnode is one virtual-node position: a 128-bit hash and the endpoint it
// belongs to.
type vnode struct {
	hash     *big.Int
	endpoint string
}

// state is the immutable, fully-built snapshot of ring membership. Ring
// mutations build a new state and swap it in atomically under mu, so
// concurrent Lookups never observe a partially-rebuilt index.
type state struct {
	sorted  []vnode
	members map[string]struct{}
}

// Ring is a consistent-hash ring. It is not a monitor: membership edits
// (AddNode/RemoveNode) and reads (Lookup, Distribution, Variance) may be
// called concurrently, but edits are serialized against each other by mu.
type Ring struct {
	mu           sync.RWMutex
	cur          *state
	virtualNodes int
}

// New builds a Ring seeded with endpoints, each replicated into v virtual
// nodes. If v <= 0, DefaultVirtualNodes is used.
func New(endpoints []string, v int) *Ring {
	if v <= 0 {
		v = DefaultVirtualNodes
	}
	r := &Ring{
		virtualNodes: v,
		cur: &state{
			sorted:  nil,
			members: make(map[string]struct{}),
		},
	}
	for _, e := range endpoints {
		r.AddNode(e)
	}
	return r
}

// hash computes H(key) = the 128-bit value of md5(key), matching the
// reference implementation's int(hashlib.md5(key).hexdigest(), 16) so
// that any implementation using the same byte encoding agrees on routing.
func hash(key string) *big.Int {
	sum := md5.Sum([]byte(key))
	return new(big.Int).SetBytes(sum[:])
}

func virtualKey(endpoint string, i int) string {
	return fmt.Sprintf("%s#%d", endpoint, i)
}

// AddNode inserts endpoint's virtual nodes into the ring. It is a no-op if
// endpoint is already a member.
func (r *Ring) AddNode(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.cur.members[endpoint]; ok {
		return
	}

	newMembers := make(map[string]struct{}, len(r.cur.members)+1)
	for m := range r.cur.members {
		newMembers[m] = struct{}{}
	}
	newMembers[endpoint] = struct{}{}

	newSorted := make([]vnode, len(r.cur.sorted), len(r.cur.sorted)+r.virtualNodes)
	copy(newSorted, r.cur.sorted)
	for i := 0; i < r.virtualNodes; i++ {
		newSorted = append(newSorted, vnode{
			hash:     hash(virtualKey(endpoint, i)),
			endpoint: endpoint,
		})
	}
	sortVnodes(newSorted)

	r.cur = &state{sorted: newSorted, members: newMembers}
}

// RemoveNode removes endpoint's virtual nodes from the ring. It is a no-op
// if endpoint is not a member.
func (r *Ring) RemoveNode(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.cur.members[endpoint]; !ok {
		return
	}

	newMembers := make(map[string]struct{}, len(r.cur.members)-1)
	for m := range r.cur.members {
		if m != endpoint {
			newMembers[m] = struct{}{}
		}
	}

	newSorted := make([]vnode, 0, len(r.cur.sorted))
	for _, vn := range r.cur.sorted {
		if vn.endpoint != endpoint {
			newSorted = append(newSorted, vn)
		}
	}

	r.cur = &state{sorted: newSorted, members: newMembers}
}

func sortVnodes(vns []vnode) {
	sort.Slice(vns, func(i, j int) bool {
		return vns[i].hash.Cmp(vns[j].hash) < 0
	})
}

// Lookup returns the endpoint owning key: the endpoint of the first virtual
// node whose hash is strictly greater than H(key), wrapping to the first
// entry if none is greater. Returns ErrEmptyRing if the ring has no
// endpoints.
func (r *Ring) Lookup(key string) (string, error) {
	r.mu.RLock()
	st := r.cur
	r.mu.RUnlock()

	if len(st.sorted) == 0 {
		return "", ErrEmptyRing
	}

	h := hash(key)
	idx := sort.Search(len(st.sorted), func(i int) bool {
		return st.sorted[i].hash.Cmp(h) > 0
	})
	if idx == len(st.sorted) {
		idx = 0
	}
	return st.sorted[idx].endpoint, nil
}

// Nodes returns the distinct endpoints currently registered, in the
// deterministic order they appear on the ring (by virtual-node hash). This
// order is what Router failover iterates, per spec (ring-insertion order
// is unspecified upstream; this implementation picks a stable one: first
// appearance walking the sorted ring).
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	st := r.cur
	r.mu.RUnlock()

	seen := make(map[string]struct{}, len(st.members))
	out := make([]string, 0, len(st.members))
	for _, vn := range st.sorted {
		if _, ok := seen[vn.endpoint]; ok {
			continue
		}
		seen[vn.endpoint] = struct{}{}
		out = append(out, vn.endpoint)
	}
	return out
}

// Size returns the number of distinct endpoints registered.
func (r *Ring) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cur.members)
}

// Distribution routes each of keys and returns a count per endpoint. Useful
// for observability and the balance tests in spec.md §8.
func (r *Ring) Distribution(keys []string) map[string]int {
	dist := make(map[string]int)
	for _, k := range keys {
		ep, err := r.Lookup(k)
		if err != nil {
			continue
		}
		dist[ep]++
	}
	return dist
}

// Variance returns the coefficient of variation (std/mean * 100) of the
// per-endpoint counts over numKeys synthetic probe keys ("key_0".."key_N").
func (r *Ring) Variance(numKeys int) float64 {
	if r.Size() == 0 || numKeys <= 0 {
		return 0
	}
	keys := make([]string, numKeys)
	for i := range keys {
		keys[i] = fmt.Sprintf("key_%d", i)
	}
	dist := r.Distribution(keys)
	if len(dist) == 0 {
		return 0
	}

	var sum float64
	counts := make([]float64, 0, len(dist))
	for _, c := range dist {
		counts = append(counts, float64(c))
		sum += float64(c)
	}
	mean := sum / float64(len(counts))
	if mean == 0 {
		return 0
	}

	var variance float64
	for _, c := range counts {
		d := c - mean
		variance += d * d
	}
	variance /= float64(len(counts))
	stddev := math.Sqrt(variance)
	return (stddev / mean) * 100
}
