package txn

import (
	"slices"

	"github.com/mkerrow/strata/internal/store"
)

// ChangeSet lists what one committed transaction did, keyed by concrete
// entity name. Inserted holds the keys Insert allocated. Updated holds
// records addressed by Update, records at either end of a Relate or
// Unrelate, and records whose reference a Delete's nullify rule
// cleared. Deleted holds removed records, cascades included.
//
// The sets are disjoint for any one key: a record inserted and then
// updated in the same transaction appears only under Inserted, and a
// record inserted and then deleted does not appear at all.
type ChangeSet struct {
	Inserted map[string][]store.Key
	Updated  map[string][]store.Key
	Deleted  map[string][]store.Key
}

// Empty reports whether the transaction changed nothing.
func (c *ChangeSet) Empty() bool {
	return len(c.Inserted) == 0 && len(c.Updated) == 0 && len(c.Deleted) == 0
}

// Entities returns the sorted names of every entity the transaction
// touched.
func (c *ChangeSet) Entities() []string {
	seen := make(map[string]bool)
	for name := range c.Inserted {
		seen[name] = true
	}
	for name := range c.Updated {
		seen[name] = true
	}
	for name := range c.Deleted {
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// changeTracker accumulates per-key effects during a write turn and
// folds repeat touches into their net outcome.
type changeTracker struct {
	inserted map[string]map[store.Key]bool
	updated  map[string]map[store.Key]bool
	deleted  map[string]map[store.Key]bool
}

func mark(m map[string]map[store.Key]bool, entity string, key store.Key) map[string]map[store.Key]bool {
	if m == nil {
		m = make(map[string]map[store.Key]bool)
	}
	if m[entity] == nil {
		m[entity] = make(map[store.Key]bool)
	}
	m[entity][key] = true
	return m
}

func (t *changeTracker) insert(entity string, key store.Key) {
	t.inserted = mark(t.inserted, entity, key)
}

func (t *changeTracker) update(entity string, key store.Key) {
	if t.inserted[entity][key] {
		return
	}
	t.updated = mark(t.updated, entity, key)
}

func (t *changeTracker) remove(entity string, key store.Key) {
	if t.inserted[entity][key] {
		delete(t.inserted[entity], key)
		return
	}
	if t.updated[entity] != nil {
		delete(t.updated[entity], key)
	}
	t.deleted = mark(t.deleted, entity, key)
}

func sortedKeys(m map[string]map[store.Key]bool) map[string][]store.Key {
	out := make(map[string][]store.Key, len(m))
	for entity, keys := range m {
		if len(keys) == 0 {
			continue
		}
		list := make([]store.Key, 0, len(keys))
		for k := range keys {
			list = append(list, k)
		}
		slices.Sort(list)
		out[entity] = list
	}
	return out
}

func (t *changeTracker) snapshot() *ChangeSet {
	return &ChangeSet{
		Inserted: sortedKeys(t.inserted),
		Updated:  sortedKeys(t.updated),
		Deleted:  sortedKeys(t.deleted),
	}
}
