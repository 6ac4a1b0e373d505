package schema

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

const defaultCacheCapacity = 256

var defaultCache = newCompiledCache(defaultCacheCapacity)

// compiledCache is an LRU of compiled gojsonschema documents keyed by their rendering.
type compiledCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*cacheItem
	head     *cacheItem
	tail     *cacheItem
}

type cacheItem struct {
	key    string
	schema *gojsonschema.Schema
	prev   *cacheItem
	next   *cacheItem
}

func newCompiledCache(capacity int) *compiledCache {
	return &compiledCache{
		capacity: capacity,
		items:    make(map[string]*cacheItem),
	}
}

// compile returns the compiled form of s, compiling and caching it on a miss.
func (c *compiledCache) compile(s *Schema) (*gojsonschema.Schema, error) {
	doc := s.ToJSONSchema()
	key, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("schema: render: %w", err)
	}

	if compiled, ok := c.get(string(key)); ok {
		return compiled, nil
	}

	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(key))
	if err != nil {
		return nil, fmt.Errorf("schema: compile: %w", err)
	}
	c.set(string(key), compiled)
	return compiled, nil
}

func (c *compiledCache) get(key string) (*gojsonschema.Schema, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, exists := c.items[key]
	if !exists {
		return nil, false
	}
	c.moveToFront(item)
	return item.schema, true
}

func (c *compiledCache) set(key string, compiled *gojsonschema.Schema) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, exists := c.items[key]; exists {
		item.schema = compiled
		c.moveToFront(item)
		return
	}

	item := &cacheItem{key: key, schema: compiled}
	c.addToFront(item)
	c.items[key] = item

	if len(c.items) > c.capacity {
		c.evictLRU()
	}
}

func (c *compiledCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *compiledCache) moveToFront(item *cacheItem) {
	if item == c.head {
		return
	}
	c.removeItem(item)
	c.addToFront(item)
}

func (c *compiledCache) addToFront(item *cacheItem) {
	item.next = c.head
	item.prev = nil
	if c.head != nil {
		c.head.prev = item
	}
	c.head = item
	if c.tail == nil {
		c.tail = item
	}
}

func (c *compiledCache) removeItem(item *cacheItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		c.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		c.tail = item.prev
	}
	item.prev = nil
	item.next = nil
}

// evictLRU drops the least recently used entry.
func (c *compiledCache) evictLRU() {
	if c.tail == nil {
		return
	}
	item := c.tail
	c.removeItem(item)
	delete(c.items, item.key)
}
