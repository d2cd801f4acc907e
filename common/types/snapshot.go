package types

import "sort"

// Snapshot is the complete ordered set of items for one list. It is the unit
// of reconciliation: clients always receive whole-snapshot replacements,
// never diffs.
type Snapshot struct {
	Todos        []Item    `json:"todos"`
	LastModified Timestamp `json:"lastModified"`
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	c := Snapshot{LastModified: s.LastModified}
	if s.Todos != nil {
		c.Todos = make([]Item, 0, len(s.Todos))
		for _, item := range s.Todos {
			c.Todos = append(c.Todos, item.Clone())
		}
	}
	return c
}

// Find returns the index of the item with the given id, or -1.
func (s Snapshot) Find(id ItemID) int {
	for i := range s.Todos {
		if s.Todos[i].ID == id {
			return i
		}
	}
	return -1
}

// Active returns the non-deleted items ordered by sort key.
func (s Snapshot) Active() []Item {
	active := make([]Item, 0, len(s.Todos))
	for _, item := range s.Todos {
		if !item.Deleted() {
			active = append(active, item.Clone())
		}
	}
	sortItems(active)
	return active
}

// Equal reports whether two snapshots carry identical items in identical
// order.
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s.Todos) != len(other.Todos) {
		return false
	}
	if !s.LastModified.Equal(other.LastModified) {
		return false
	}
	for i := range s.Todos {
		if !s.Todos[i].Equal(other.Todos[i]) {
			return false
		}
	}
	return true
}

// sortItems orders items by sort key, breaking ties by id for stability.
func sortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].SortOrder != items[j].SortOrder {
			return items[i].SortOrder < items[j].SortOrder
		}
		return items[i].ID < items[j].ID
	})
}
