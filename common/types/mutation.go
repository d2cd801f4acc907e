package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Op is the kind of a mutation.
type Op string

const (
	OpCreate        Op = "create"
	OpUpdate        Op = "update"
	OpDelete        Op = "delete"
	OpReorder       Op = "reorder"
	OpReorderSingle Op = "reorder-single"
)

var (
	// ErrUnknownOp is returned when a mutation envelope names an operation
	// this version does not understand.
	ErrUnknownOp = errors.New("unknown operation")
	// ErrBadPayload is returned when the data of a mutation envelope does not
	// match the shape its operation requires.
	ErrBadPayload = errors.New("malformed mutation payload")
)

// Mutation is one client mutation intent, decoded from the wire envelope
// {"operation": ..., "data": ...} into a variant per operation kind:
//
//	create, update, reorder-single: a full Item
//	delete:                         a bare ItemID
//	reorder:                        the full reordered item array
type Mutation struct {
	Op       Op
	Item     *Item
	TargetID ItemID
	Items    []Item
}

type envelope struct {
	Operation Op              `json:"operation"`
	Data      json.RawMessage `json:"data"`
}

// NewCreate builds a create mutation for the given item.
func NewCreate(item Item) Mutation {
	return Mutation{Op: OpCreate, Item: &item}
}

// NewUpdate builds a whole-record update mutation.
func NewUpdate(item Item) Mutation {
	return Mutation{Op: OpUpdate, Item: &item}
}

// NewDelete builds a soft-delete mutation for the given id.
func NewDelete(id ItemID) Mutation {
	return Mutation{Op: OpDelete, TargetID: id}
}

// NewReorder builds a full-list reorder mutation.
func NewReorder(items []Item) Mutation {
	return Mutation{Op: OpReorder, Items: items}
}

// NewReorderSingle builds a single-item reorder mutation carrying the item
// with its requested sort key.
func NewReorderSingle(item Item) Mutation {
	return Mutation{Op: OpReorderSingle, Item: &item}
}

// Target returns the item id this mutation refers to, or the empty id for a
// full-list reorder.
func (m Mutation) Target() ItemID {
	switch m.Op {
	case OpDelete:
		return m.TargetID
	case OpCreate, OpUpdate, OpReorderSingle:
		if m.Item != nil {
			return m.Item.ID
		}
	}
	return ""
}

// Retarget rewrites every reference to the id from into to. Used to point
// operations queued against a client-generated temporary id at the
// server-assigned id once the create confirms.
func (m *Mutation) Retarget(from, to ItemID) {
	if from == "" || from == to {
		return
	}
	if m.TargetID == from {
		m.TargetID = to
	}
	if m.Item != nil && m.Item.ID == from {
		m.Item.ID = to
	}
	for i := range m.Items {
		if m.Items[i].ID == from {
			m.Items[i].ID = to
		}
	}
}

// Clone returns a deep copy of the mutation.
func (m Mutation) Clone() Mutation {
	c := Mutation{Op: m.Op, TargetID: m.TargetID}
	if m.Item != nil {
		item := m.Item.Clone()
		c.Item = &item
	}
	if m.Items != nil {
		c.Items = make([]Item, 0, len(m.Items))
		for _, item := range m.Items {
			c.Items = append(c.Items, item.Clone())
		}
	}
	return c
}

// MarshalJSON encodes the mutation as its wire envelope.
func (m Mutation) MarshalJSON() ([]byte, error) {
	var data any
	switch m.Op {
	case OpCreate, OpUpdate, OpReorderSingle:
		if m.Item == nil {
			return nil, fmt.Errorf("%w: %s without item", ErrBadPayload, m.Op)
		}
		data = m.Item
	case OpDelete:
		if m.TargetID == "" {
			return nil, fmt.Errorf("%w: delete without id", ErrBadPayload)
		}
		data = m.TargetID
	case OpReorder:
		data = m.Items
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOp, m.Op)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Operation: m.Op, Data: raw})
}

// UnmarshalJSON decodes the wire envelope, dispatching on the operation kind
// exhaustively. Unknown operations and mismatched payload shapes are errors;
// they reject the single mutation, never a whole snapshot.
func (m *Mutation) UnmarshalJSON(raw []byte) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	*m = Mutation{Op: env.Operation}
	switch env.Operation {
	case OpCreate, OpUpdate, OpReorderSingle:
		item := &Item{}
		if err := json.Unmarshal(env.Data, item); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrBadPayload, env.Operation, err)
		}
		if item.ID == "" && env.Operation != OpCreate {
			return fmt.Errorf("%w: %s without id", ErrBadPayload, env.Operation)
		}
		m.Item = item
	case OpDelete:
		var id ItemID
		if err := json.Unmarshal(env.Data, &id); err != nil {
			return fmt.Errorf("%w: delete: %v", ErrBadPayload, err)
		}
		if id == "" {
			return fmt.Errorf("%w: delete without id", ErrBadPayload)
		}
		m.TargetID = id
	case OpReorder:
		var items []Item
		if err := json.Unmarshal(env.Data, &items); err != nil {
			return fmt.Errorf("%w: reorder: %v", ErrBadPayload, err)
		}
		m.Items = items
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, env.Operation)
	}
	return nil
}

// Result is the server-confirmed outcome of one mutation: the authoritative
// record with server-assigned id and timestamps.
type Result struct {
	Op           Op        `json:"operation"`
	Item         *Item     `json:"item,omitempty"`
	ID           ItemID    `json:"id,omitempty"`
	LastModified Timestamp `json:"lastModified"`
}
