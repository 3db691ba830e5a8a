package dtn

import (
	"hash/fnv"
	"sync"
)

const lockShards = 64

// keyedLocks serializes work per bundle ID without a global lock. Two
// operations on the same bundle never overlap; operations on different
// bundles contend only on hash collisions.
type keyedLocks struct {
	shards [lockShards]sync.Mutex
}

func (l *keyedLocks) shard(id BundleID) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &l.shards[h.Sum32()%lockShards]
}

// Lock acquires the shard for the bundle and returns its unlock func.
func (l *keyedLocks) Lock(id BundleID) func() {
	m := l.shard(id)
	m.Lock()
	return m.Unlock
}
