// Package letters holds the entity model shared by every replica: letter items and the two ordered
// collections that partition them.
package letters

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
)

// NotFound is returned by Collection.IndexOf when the item is not in the collection.
const NotFound = -1

var (
	ErrDuplicateItem     = errors.New("duplicate item in collection")
	ErrUnknownCollection = errors.New("unknown collection")
	ErrPartition         = errors.New("collections do not partition the items")
)

type Name string

const (
	Pool Name = "pool"
	Word Name = "word"
)

func (n Name) Valid() bool {
	return n == Pool || n == Word
}

type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Item is a single letter. The position is the cell it was seeded on; it only means something while
// the item sits in the pool.
type Item struct {
	ID        string   `json:"id"`
	Character string   `json:"character"`
	Position  Position `json:"position"`
}

func (i Item) Equal(other Item) bool {
	return i.ID == other.ID
}

// Collection is an immutable, duplicate free, ordered sequence of items.
type Collection struct {
	name  Name
	items []Item
}

func NewCollection(name Name, items ...Item) (Collection, error) {
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if seen[item.ID] {
			return Collection{}, fmt.Errorf("%w: %s in %s", ErrDuplicateItem, item.ID, name)
		}
		seen[item.ID] = true
	}
	return Collection{name: name, items: append([]Item(nil), items...)}, nil
}

func (c Collection) Name() Name {
	return c.name
}

func (c Collection) Len() int {
	return len(c.items)
}

// IndexOf finds the item by id, not by value.
func (c Collection) IndexOf(item Item) int {
	for i, candidate := range c.items {
		if candidate.Equal(item) {
			return i
		}
	}
	return NotFound
}

func (c Collection) At(index int) (Item, bool) {
	if index < 0 || index >= len(c.items) {
		return Item{}, false
	}
	return c.items[index], true
}

// All yields the items in their current order. The sequence can be ranged over any number of times.
func (c Collection) All() iter.Seq[Item] {
	return func(yield func(Item) bool) {
		for _, item := range c.items {
			if !yield(item) {
				return
			}
		}
	}
}

func (c Collection) Characters() string {
	var sb strings.Builder
	for item := range c.All() {
		sb.WriteString(item.Character)
	}
	return sb.String()
}

// Equal reports whether both collections hold the same ids in the same order.
func (c Collection) Equal(other Collection) bool {
	if c.name != other.name || len(c.items) != len(other.items) {
		return false
	}
	for i := range c.items {
		if c.items[i].ID != other.items[i].ID {
			return false
		}
	}
	return true
}

func (c Collection) Append(item Item) (Collection, error) {
	if c.IndexOf(item) != NotFound {
		return c, fmt.Errorf("%w: %s in %s", ErrDuplicateItem, item.ID, c.name)
	}
	items := make([]Item, 0, len(c.items)+1)
	items = append(items, c.items...)
	return Collection{name: c.name, items: append(items, item)}, nil
}

func (c Collection) RemoveAt(index int) (Collection, Item, error) {
	item, ok := c.At(index)
	if !ok {
		return c, Item{}, fmt.Errorf("index %d outside %s of length %d", index, c.name, len(c.items))
	}
	items := make([]Item, 0, len(c.items)-1)
	items = append(items, c.items[:index]...)
	items = append(items, c.items[index+1:]...)
	return Collection{name: c.name, items: items}, item, nil
}

func (c Collection) MarshalJSON() ([]byte, error) {
	if c.items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.items)
}

// Document is the pair of collections every replica converges on.
type Document struct {
	Pool Collection `json:"pool"`
	Word Collection `json:"word"`
}

func NewDocument(pool []Item, word []Item) (Document, error) {
	p, err := NewCollection(Pool, pool...)
	if err != nil {
		return Document{}, err
	}
	w, err := NewCollection(Word, word...)
	if err != nil {
		return Document{}, err
	}
	d := Document{Pool: p, Word: w}
	if err := d.CheckPartition(); err != nil {
		return Document{}, err
	}
	return d, nil
}

func (d Document) Collection(name Name) (Collection, error) {
	switch name {
	case Pool:
		return d.Pool, nil
	case Word:
		return d.Word, nil
	default:
		return Collection{}, fmt.Errorf("%w: %q", ErrUnknownCollection, name)
	}
}

// With returns a copy of the document with the collection of the same name replaced.
func (d Document) With(c Collection) Document {
	switch c.name {
	case Pool:
		d.Pool = c
	case Word:
		d.Word = c
	}
	return d
}

func (d Document) Locate(id string) (Name, int, bool) {
	for _, c := range []Collection{d.Pool, d.Word} {
		if i := c.IndexOf(Item{ID: id}); i != NotFound {
			return c.name, i, true
		}
	}
	return "", NotFound, false
}

// Len is the total number of items across both collections.
func (d Document) Len() int {
	return d.Pool.Len() + d.Word.Len()
}

// CheckPartition verifies that every id appears exactly once across both collections.
func (d Document) CheckPartition() error {
	seen := make(map[string]Name, d.Len())
	for _, c := range []Collection{d.Pool, d.Word} {
		for item := range c.All() {
			if where, ok := seen[item.ID]; ok {
				return fmt.Errorf("%w: %s found in %s and %s", ErrPartition, item.ID, where, c.name)
			}
			seen[item.ID] = c.name
		}
	}
	return nil
}

func (d *Document) UnmarshalJSON(raw []byte) error {
	var wire struct {
		Pool []Item `json:"pool"`
		Word []Item `json:"word"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	decoded, err := NewDocument(wire.Pool, wire.Word)
	if err != nil {
		return err
	}
	*d = decoded
	return nil
}
