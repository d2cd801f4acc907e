// Package types defines the data model shared by the sync server and client:
// list items, whole-list snapshots, and the mutation envelope exchanged on
// the wire.
package types

// ListID identifies one shared todo list.
type ListID string

// ItemID is the opaque, immutable identifier of a todo item. It is generated
// by the client on create and confirmed (or replaced) by the server.
type ItemID string

// TempIDPrefix marks a provisional, client-generated item id that has not
// been confirmed by the server yet.
const TempIDPrefix = "local-"

// Temp reports whether the id is a provisional client-generated one.
func (id ItemID) Temp() bool {
	return len(id) > len(TempIDPrefix) && string(id[:len(TempIDPrefix)]) == TempIDPrefix
}

// Item is one todo entry. Completion and deletion are independent states:
// an item can be deleted while it was completed, and both survive as
// timestamps rather than booleans.
type Item struct {
	ID          ItemID     `json:"id"`
	Text        string     `json:"text"`
	CompletedAt *Timestamp `json:"completedAt,omitempty"`
	DeletedAt   *Timestamp `json:"deletedAt,omitempty"`
	CreatedAt   Timestamp  `json:"createdAt"`
	UpdatedAt   Timestamp  `json:"updatedAt"`
	SortOrder   float64    `json:"sortOrder"`
}

// Completed reports whether the item is marked done.
func (i *Item) Completed() bool {
	return i.CompletedAt != nil && !i.CompletedAt.IsZero()
}

// Deleted reports whether the item is soft-deleted.
func (i *Item) Deleted() bool {
	return i.DeletedAt != nil && !i.DeletedAt.IsZero()
}

// Clone returns a deep copy of the item.
func (i Item) Clone() Item {
	c := i
	if i.CompletedAt != nil {
		ts := *i.CompletedAt
		c.CompletedAt = &ts
	}
	if i.DeletedAt != nil {
		ts := *i.DeletedAt
		c.DeletedAt = &ts
	}
	return c
}

// Equal reports whether two items are identical field by field.
func (i Item) Equal(other Item) bool {
	if i.ID != other.ID || i.Text != other.Text || i.SortOrder != other.SortOrder {
		return false
	}
	if !i.CreatedAt.Equal(other.CreatedAt) || !i.UpdatedAt.Equal(other.UpdatedAt) {
		return false
	}
	if !optionalEqual(i.CompletedAt, other.CompletedAt) {
		return false
	}
	return optionalEqual(i.DeletedAt, other.DeletedAt)
}

func optionalEqual(a, b *Timestamp) bool {
	switch {
	case a == nil && b == nil:
		return true
	case a == nil || b == nil:
		return false
	default:
		return a.Equal(*b)
	}
}
