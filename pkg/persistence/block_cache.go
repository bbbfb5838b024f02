package persistence

import (
	"sync"

	"eventdb/pkg/memtable"
)

type pageKey struct {
	table uint64
	page  int
}

// BlockCache is an LRU cache of decoded PTable pages shared by all tables.
type BlockCache struct {
	mu       sync.Mutex
	capacity int
	items    map[pageKey]*cacheItem
	head     *cacheItem
	tail     *cacheItem
}

type cacheItem struct {
	key   pageKey
	value []memtable.Entry
	prev  *cacheItem
	next  *cacheItem
}

// NewBlockCache creates a cache holding up to capacity pages. A zero
// capacity disables caching.
func NewBlockCache(capacity int) *BlockCache {
	return &BlockCache{
		capacity: capacity,
		items:    make(map[pageKey]*cacheItem),
	}
}

func (bc *BlockCache) Get(table uint64, page int) ([]memtable.Entry, bool) {
	if bc == nil {
		return nil, false
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()

	item, found := bc.items[pageKey{table, page}]
	if !found {
		return nil, false
	}
	bc.moveToHead(item)
	return item.value, true
}

func (bc *BlockCache) Set(table uint64, page int, value []memtable.Entry) {
	if bc == nil || bc.capacity <= 0 {
		return
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()

	key := pageKey{table, page}
	if item, found := bc.items[key]; found {
		item.value = value
		bc.moveToHead(item)
		return
	}

	item := &cacheItem{key: key, value: value}
	bc.addToHead(item)
	bc.items[key] = item

	if len(bc.items) > bc.capacity {
		bc.evictLRU()
	}
}

// Drop forgets every page of a retired table.
func (bc *BlockCache) Drop(table uint64) {
	if bc == nil {
		return
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()

	for key, item := range bc.items {
		if key.table == table {
			bc.unlink(item)
			delete(bc.items, key)
		}
	}
}

func (bc *BlockCache) Len() int {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return len(bc.items)
}

func (bc *BlockCache) moveToHead(item *cacheItem) {
	if item == bc.head {
		return
	}
	bc.unlink(item)
	bc.addToHead(item)
}

func (bc *BlockCache) unlink(item *cacheItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		bc.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		bc.tail = item.prev
	}
	item.prev, item.next = nil, nil
}

func (bc *BlockCache) addToHead(item *cacheItem) {
	item.prev = nil
	item.next = bc.head

	if bc.head != nil {
		bc.head.prev = item
	}
	bc.head = item

	if bc.tail == nil {
		bc.tail = item
	}
}

func (bc *BlockCache) evictLRU() {
	if bc.tail == nil {
		return
	}
	victim := bc.tail
	bc.unlink(victim)
	delete(bc.items, victim.key)
}
