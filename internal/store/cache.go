package store

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache remembers which hashes are known to be present so repeated
// existence checks skip the filesystem. It never holds blob content.
type Cache interface {
	Has(hash string) bool
	Add(hash string)
	Remove(hash string)
}

// LRUCache is a bounded Cache. Least recently used entries are evicted first.
type LRUCache struct {
	items *lru.Cache[string, struct{}]
}

// NewLRUCache creates a cache holding at most size hashes. A non-positive
// size yields a cache that remembers nothing.
func NewLRUCache(size int) *LRUCache {
	if size <= 0 {
		return &LRUCache{}
	}
	items, _ := lru.New[string, struct{}](size)
	return &LRUCache{items: items}
}

func (c *LRUCache) Has(hash string) bool {
	if c.items == nil {
		return false
	}
	return c.items.Contains(hash)
}

func (c *LRUCache) Add(hash string) {
	if c.items == nil {
		return
	}
	c.items.Add(hash, struct{}{})
}

func (c *LRUCache) Remove(hash string) {
	if c.items == nil {
		return
	}
	c.items.Remove(hash)
}
