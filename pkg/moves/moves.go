// Package moves implements the single mutation a document supports: moving one item to the end of a
// collection.
//
// A move is issued against an index in the local view but is recorded by item id. When the ordered
// log of moves is replayed, each move takes the item out of whichever collection holds it at that
// point, so the last move of an item in the log decides where it ends up and no replay can lose or
// duplicate an item.
package moves

import (
	"errors"
	"fmt"

	"github.com/astromechza/automerge-letters/pkg/letters"
)

var (
	ErrIndexOutOfRange   = errors.New("index out of range")
	ErrUnknownCollection = letters.ErrUnknownCollection
	ErrInvariantViolated = errors.New("move would break the collection partition")
	ErrSameCollection    = errors.New("source and destination are the same collection")
)

type Operation struct {
	ItemID string       `json:"item"`
	From   letters.Name `json:"from"`
	To     letters.Name `json:"to"`
}

func (o Operation) String() string {
	return fmt.Sprintf("%s: %s -> %s", o.ItemID, o.From, o.To)
}

// MoveToEnd resolves the item at index in src and returns the operation that moves it to the end of
// dst. The document is not changed. An out of range index is expected under concurrency; callers
// should look the item up again rather than retry blindly.
func MoveToEnd(doc letters.Document, src letters.Name, index int, dst letters.Name) (Operation, error) {
	if !dst.Valid() {
		return Operation{}, fmt.Errorf("%w: %q", ErrUnknownCollection, dst)
	}
	if src == dst {
		return Operation{}, fmt.Errorf("%w: %s", ErrSameCollection, src)
	}
	source, err := doc.Collection(src)
	if err != nil {
		return Operation{}, err
	}
	item, ok := source.At(index)
	if !ok {
		return Operation{}, fmt.Errorf("%w: %d not in [0, %d) of %s", ErrIndexOutOfRange, index, source.Len(), src)
	}
	return Operation{ItemID: item.ID, From: src, To: dst}, nil
}

// Apply reinterprets op against the item's actual location. It returns false when the operation is a
// no-op: the item is already in the destination or is not part of the document.
func Apply(doc letters.Document, op Operation) (letters.Document, bool, error) {
	dest, err := doc.Collection(op.To)
	if err != nil {
		return doc, false, err
	}
	current, index, ok := doc.Locate(op.ItemID)
	if !ok || current == op.To {
		return doc, false, nil
	}
	source, _ := doc.Collection(current)

	source, item, err := source.RemoveAt(index)
	if err != nil {
		return doc, false, fmt.Errorf("%w: %v", ErrInvariantViolated, err)
	}
	dest, err = dest.Append(item)
	if err != nil {
		return doc, false, fmt.Errorf("%w: %v", ErrInvariantViolated, err)
	}

	next := doc.With(source).With(dest)
	if next.Len() != doc.Len() {
		return doc, false, fmt.Errorf("%w: item count changed from %d to %d", ErrInvariantViolated, doc.Len(), next.Len())
	}
	if err := next.CheckPartition(); err != nil {
		return doc, false, fmt.Errorf("%w: %v", ErrInvariantViolated, err)
	}
	return next, true, nil
}

// Replay folds ops over initial in order. Operations naming a collection that does not exist are
// skipped so a single malformed entry cannot stop a log from converging.
func Replay(initial letters.Document, ops []Operation) (letters.Document, error) {
	doc := initial
	for i, op := range ops {
		next, _, err := Apply(doc, op)
		if errors.Is(err, ErrUnknownCollection) {
			continue
		} else if err != nil {
			return initial, fmt.Errorf("failed to apply move %d (%s): %w", i, op, err)
		}
		doc = next
	}
	return doc, nil
}
