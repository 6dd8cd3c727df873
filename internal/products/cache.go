package products

import (
	"container/list"
	"sync"

	"lokalkasir/terminal/internal/domain"
)

// Cache mirrors remote products for cart validation. Entries are refreshed on
// every sync pull and direct stock update, and evicted least-recently-used
// once capacity is exceeded. Staleness is bounded by the sync frequency and
// re-validated at checkout.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
}

func NewCache(capacity int) *Cache {
	if capacity < 1 {
		capacity = 500
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (c *Cache) Get(id string) (domain.Product, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[id]
	if !ok {
		return domain.Product{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(domain.Product), true
}

// Refresh upserts a product as most recently used, evicting from the back
// when over capacity.
func (c *Cache) Refresh(p domain.Product) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[p.ID]; ok {
		el.Value = p
		c.order.MoveToFront(el)
		return
	}
	c.entries[p.ID] = c.order.PushFront(p)
	for c.order.Len() > c.capacity {
		back := c.order.Back()
		evicted := back.Value.(domain.Product)
		c.order.Remove(back)
		delete(c.entries, evicted.ID)
	}
}

// SetStock adjusts the cached stock level without touching recency more than
// a normal read would.
func (c *Cache) SetStock(id string, stock int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[id]
	if !ok {
		return false
	}
	p := el.Value.(domain.Product)
	p.Stock = stock
	el.Value = p
	c.order.MoveToFront(el)
	return true
}

// LowStock lists active products at or below the given threshold.
func (c *Cache) LowStock(threshold int) []domain.Product {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []domain.Product
	for el := c.order.Front(); el != nil; el = el.Next() {
		p := el.Value.(domain.Product)
		if p.Active && p.Stock <= threshold {
			out = append(out, p)
		}
	}
	return out
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
