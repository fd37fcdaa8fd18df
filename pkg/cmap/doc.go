// Package cmap provides a concurrent map split into independently locked
// shards.
//
// Keys are spread over the shards with murmur3, so unrelated keys rarely
// contend. Operations that must read and write atomically (GetOrCompute,
// Update, RemoveIf) run under a single shard lock.
//
//	conns := cmap.New[string, *Connection]()
//	conns.Set(id, c)
//	c, ok := conns.Get(id)
package cmap
