package router

import "hash/fnv"

// hash64 hashes key to a 64-bit value for shard selection. FNV-1a gives a
// stable, dependency-free hash with good avalanche behavior for short
// string keys; callers needing an alternative (e.g. rendezvous hashing
// across a changing replica set) use internal/persistence/replica instead.
func hash64(key string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}
