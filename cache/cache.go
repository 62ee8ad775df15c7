// Package cache holds constructed target instances keyed by their
// construction arguments. The cache is sharded so that the invocation hot
// path never contends on a single lock; construction, which is rare and may
// be expensive, always runs outside every shard lock.
package cache

import (
	"hash/fnv"

	lru "github.com/hashicorp/golang-lru"
)

//	Power of two, so shard selection is a mask.
const N_SHARDS = 16

type ShardedCache struct {
	shards [N_SHARDS]*lru.Cache
}

//	New creates a cache holding at most about totalCapacity entries split
//	evenly across the shards. Each shard gets at least one slot.
func New(totalCapacity int) (cache *ShardedCache, err error) {
	if totalCapacity < 1 {
		totalCapacity = 1
	}
	perShard := (totalCapacity + N_SHARDS - 1) / N_SHARDS
	if perShard < 1 {
		perShard = 1
	}
	cache = &ShardedCache{}
	for i := range cache.shards {
		cache.shards[i], err = lru.New(perShard)
		if err != nil {
			cache = nil
			return
		}
	}
	return
}

func shardIndex(key string) int {
	hasher := fnv.New32a()
	hasher.Write([]byte(key))
	return int(hasher.Sum32() & (N_SHARDS - 1))
}

//	GetOrCreate returns the cached value for key, building and inserting it
//	on a miss. Two concurrent misses on the same key may both build; the
//	second insert wins, which beats holding a lock across user code.
func (c *ShardedCache) GetOrCreate(key string, build func() (interface{}, error)) (value interface{}, err error) {
	shard := c.shards[shardIndex(key)]
	if cached, ok := shard.Get(key); ok {
		value = cached
		return
	}
	value, err = build()
	if err != nil {
		return
	}
	shard.Add(key, value)
	return
}

func (c *ShardedCache) Len() (total int) {
	for _, shard := range c.shards {
		total += shard.Len()
	}
	return
}

//	Contains reports residency without refreshing recency.
func (c *ShardedCache) Contains(key string) bool {
	return c.shards[shardIndex(key)].Contains(key)
}
