package view

import (
	"sort"
	"sync"
)

// Cache folds incoming change sets into a queryable copy of the view. Change
// sets may be pushed from any goroutine; they become visible to readers only
// when Poll applies them, so the tick sees one consistent state.
//
// Entities are held per view name: a removal from one view keeps the entity
// while any other view still holds it.
type Cache struct {
	mu       sync.RWMutex
	entities map[EntityId]*cachedEntity

	queueMu sync.Mutex
	queue   []NamedChangeSet
}

type cachedEntity struct {
	views      map[string]struct{}
	components map[ComponentId]PropertyBlob
}

func NewCache() *Cache {
	return &Cache{
		entities: make(map[EntityId]*cachedEntity),
	}
}

// Push queues a change set for the next Poll.
func (c *Cache) Push(set NamedChangeSet) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	c.queue = append(c.queue, set)
}

// Poll applies every queued change set and returns them in arrival order.
func (c *Cache) Poll() []NamedChangeSet {
	c.queueMu.Lock()
	sets := c.queue
	c.queue = nil
	c.queueMu.Unlock()

	for _, s := range sets {
		c.Apply(s.Name, s.Set)
	}
	return sets
}

// Apply folds a change set from the named view into the cache.
func (c *Cache) Apply(name string, set *ViewChangeSet) {
	if set.Empty() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, d := range set.Deltas {
		ent, ok := c.entities[d.Entity]
		switch d.Kind {
		case DeltaRemoved:
			if !ok {
				continue
			}
			delete(ent.views, name)
			if len(ent.views) == 0 {
				delete(c.entities, d.Entity)
			}
			continue
		case DeltaAdded, DeltaTemporarilyRemoved:
			if !ok {
				ent = &cachedEntity{
					views:      make(map[string]struct{}),
					components: make(map[ComponentId]PropertyBlob),
				}
				c.entities[d.Entity] = ent
			} else if d.Kind == DeltaTemporarilyRemoved && len(ent.views) == 1 {
				if _, only := ent.views[name]; only {
					// The delta carries the complete state again.
					ent.components = make(map[ComponentId]PropertyBlob)
				}
			}
			ent.views[name] = struct{}{}
			ok = true
		}
		if !ok {
			// Updates for entities outside the view are ignored here; the
			// processor reports them.
			continue
		}

		comps := ent.components
		for _, u := range d.ComponentsAdded {
			comps[u.Id] = u.Data.Merge(nil)
		}
		for _, u := range d.ComponentsUpdated {
			comps[u.Id] = comps[u.Id].Merge(u.Data)
		}
		for _, u := range d.ComponentsRefreshed {
			comps[u.Id] = u.Data.Merge(nil)
		}
		for _, id := range d.ComponentsRemoved {
			delete(comps, id)
		}
	}
}

// Views lists the view names currently holding an entity.
func (c *Cache) Views(e EntityId) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ent, ok := c.entities[e]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(ent.views))
	for n := range ent.views {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (c *Cache) HasEntity(e EntityId) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entities[e]
	return ok
}

func (c *Cache) HasComponent(e EntityId, id ComponentId) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ent, ok := c.entities[e]
	if !ok {
		return false
	}
	_, ok = ent.components[id]
	return ok
}

// Component returns a copy of the component's current state.
func (c *Cache) Component(e EntityId, id ComponentId) (PropertyBlob, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ent, ok := c.entities[e]
	if !ok {
		return nil, false
	}
	b, ok := ent.components[id]
	if !ok {
		return nil, false
	}
	return b.Merge(nil), true
}

func (c *Cache) Components(e EntityId) []ComponentId {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ent, ok := c.entities[e]
	if !ok {
		return nil
	}
	ids := make([]ComponentId, 0, len(ent.components))
	for id := range ent.components {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Offset != ids[j].Offset {
			return ids[i].Offset < ids[j].Offset
		}
		return ids[i].Kind < ids[j].Kind
	})
	return ids
}
