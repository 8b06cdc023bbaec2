package service

import "sync"

const guardShards = 64

// writeGuard orders cache fills after a store read against cache writes made
// by Create, Update and Delete. Each shard counts writes to the ids it owns.
// A fill lands only if its shard saw no write since the read began, so a read
// that raced a delete or update cannot put the older row back in the cache.
type writeGuard struct {
	shards [guardShards]guardShard
}

type guardShard struct {
	mu  sync.Mutex
	gen uint64
}

func (g *writeGuard) shard(id int64) *guardShard {
	return &g.shards[uint64(id)%guardShards]
}

// snapshot returns the write generation of id's shard. Take it before the store read.
func (g *writeGuard) snapshot(id int64) uint64 {
	sh := g.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.gen
}

// fill runs fn only when no write touched id's shard since snapshot returned gen.
// It reports whether fn ran.
func (g *writeGuard) fill(id int64, gen uint64, fn func()) bool {
	sh := g.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.gen != gen {
		return false
	}
	fn()
	return true
}

// write bumps id's shard and runs fn while holding it, so no pending fill can
// land after fn.
func (g *writeGuard) write(id int64, fn func()) {
	sh := g.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.gen++
	fn()
}
