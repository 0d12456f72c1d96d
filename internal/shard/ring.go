package shard

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
)

const virtualNodesPerShard = 100

// vnode is one point on the consistent-hash ring.
type vnode struct {
	hash    uint32
	name    string
	shardID string
}

// hashRing is the sorted list of virtual nodes contributed by every
// shard known to the manager, per spec.md §4.D: each shard contributes
// 100 virtual nodes named "<shard_id>:<0..99>", each hashing to a 32-bit
// integer via the first 8 hex digits of MD5(name).
type hashRing struct {
	nodes []vnode
}

func newHashRing(shardIDs []string) *hashRing {
	r := &hashRing{nodes: make([]vnode, 0, len(shardIDs)*virtualNodesPerShard)}
	for _, id := range shardIDs {
		for i := 0; i < virtualNodesPerShard; i++ {
			name := fmt.Sprintf("%s:%d", id, i)
			r.nodes = append(r.nodes, vnode{hash: vnodeHash(name), name: name, shardID: id})
		}
	}
	sort.Slice(r.nodes, func(i, j int) bool { return lessVnode(r.nodes[i], r.nodes[j]) })
	return r
}

// lessVnode orders two virtual nodes by (hash, virtual-node-name)
// lexicographic order, per spec.md §4.D's Open Question resolution —
// shard ID alone can diverge from this (e.g. "A" vs "A1") once a ring
// holds custom, non-uuid shard IDs.
func lessVnode(a, b vnode) bool {
	if a.hash != b.hash {
		return a.hash < b.hash
	}
	return a.name < b.name
}

// vnodeHash derives a 32-bit integer from the first 8 hex digits of
// MD5(name).
func vnodeHash(name string) uint32 {
	sum := md5.Sum([]byte(name))
	hexDigits := hex.EncodeToString(sum[:])[:8]
	b, _ := hex.DecodeString(hexDigits)
	return binary.BigEndian.Uint32(b)
}

func keyHash(key string) uint32 {
	return vnodeHash(key)
}

// lookup finds the shard owning key: the smallest virtual node with
// hash >= key's hash (wrapping around), skipping any node whose shard
// fails isActive. Returns "" if no active shard is found.
func (r *hashRing) lookup(key string, isActive func(shardID string) bool) string {
	if len(r.nodes) == 0 {
		return ""
	}
	h := keyHash(key)
	start := sort.Search(len(r.nodes), func(i int) bool { return r.nodes[i].hash >= h })

	for i := 0; i < len(r.nodes); i++ {
		idx := (start + i) % len(r.nodes)
		if isActive(r.nodes[idx].shardID) {
			return r.nodes[idx].shardID
		}
	}
	return ""
}
