// Package amdoc lays the letter document out inside an automerge document.
//
// The root holds the seeded `pool` and initial `word` lists in the item wire shape and a `moves` list.
// Moves are only ever appended, and automerge merges concurrent appends into the same interleaving on
// every replica, so the moves list is the total order that moves.Replay folds over.
package amdoc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"

	"github.com/astromechza/automerge-letters/pkg/letters"
	"github.com/astromechza/automerge-letters/pkg/moves"
)

const (
	keyPool  = "pool"
	keyWord  = "word"
	keyMoves = "moves"
)

var ErrMalformed = errors.New("malformed letters document")

// NewActorID returns a random actor id in the hex form automerge expects.
func NewActorID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

type Doc struct {
	doc *automerge.Doc
}

// New creates a document holding items in the pool.
func New(actor string, items []letters.Item) (*Doc, error) {
	if _, err := letters.NewDocument(items, nil); err != nil {
		return nil, err
	}
	doc := automerge.New()
	if actor != "" {
		if err := doc.SetActorID(actor); err != nil {
			return nil, fmt.Errorf("failed to set actor: %w", err)
		}
	}
	if err := doc.Path(keyPool).Set(automerge.NewList()); err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	pool := doc.Path(keyPool).List()
	for _, item := range items {
		if err := pool.Append(encodeItem(item)); err != nil {
			return nil, fmt.Errorf("failed to seed item %s: %w", item.ID, err)
		}
	}
	if err := doc.Path(keyWord).Set(automerge.NewList()); err != nil {
		return nil, fmt.Errorf("failed to create word: %w", err)
	}
	if err := doc.Path(keyMoves).Set(automerge.NewList()); err != nil {
		return nil, fmt.Errorf("failed to create moves: %w", err)
	}
	if _, err := doc.Commit("seed"); err != nil {
		return nil, fmt.Errorf("failed to commit seed: %w", err)
	}
	return &Doc{doc: doc}, nil
}

func Load(raw []byte) (*Doc, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	return Wrap(doc)
}

// Wrap checks that doc has the letters layout.
func Wrap(doc *automerge.Doc) (*Doc, error) {
	d := &Doc{doc: doc}
	if _, err := d.Initial(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Doc) Automerge() *automerge.Doc {
	return d.doc
}

func (d *Doc) SetActor(actor string) error {
	return d.doc.SetActorID(actor)
}

func (d *Doc) Heads() []automerge.ChangeHash {
	return d.doc.Heads()
}

// SameHeads reports whether both sets of heads name the same changes, in any order.
func SameHeads(a, b []automerge.ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[automerge.ChangeHash]bool, len(a))
	for _, h := range a {
		seen[h] = true
	}
	for _, h := range b {
		if !seen[h] {
			return false
		}
	}
	return true
}

func (d *Doc) Save() []byte {
	return d.doc.Save()
}

// Fork returns an independent copy with its own actor, as another replica would hold.
func (d *Doc) Fork(actor string) (*Doc, error) {
	forked, err := d.doc.Fork()
	if err != nil {
		return nil, fmt.Errorf("failed to fork: %w", err)
	}
	if err := forked.SetActorID(actor); err != nil {
		return nil, fmt.Errorf("failed to set actor: %w", err)
	}
	return &Doc{doc: forked}, nil
}

// Merge pulls every change of other into d.
func (d *Doc) Merge(other *Doc) error {
	if _, err := d.doc.Merge(other.doc); err != nil {
		return fmt.Errorf("failed to merge: %w", err)
	}
	return nil
}

// AppendMove records op at the end of the move log and commits it.
func (d *Doc) AppendMove(op moves.Operation) (automerge.ChangeHash, error) {
	if err := d.doc.Path(keyMoves).List().Append(encodeMove(op)); err != nil {
		return automerge.ChangeHash{}, fmt.Errorf("failed to append move: %w", err)
	}
	hash, err := d.doc.Commit(fmt.Sprintf("move %s to %s", op.ItemID, op.To))
	if err != nil {
		return automerge.ChangeHash{}, fmt.Errorf("failed to commit move: %w", err)
	}
	return hash, nil
}

// Initial returns the collections as they were seeded.
func (d *Doc) Initial() (letters.Document, error) {
	pool, err := d.items(keyPool)
	if err != nil {
		return letters.Document{}, err
	}
	word, err := d.items(keyWord)
	if err != nil {
		return letters.Document{}, err
	}
	doc, err := letters.NewDocument(pool, word)
	if err != nil {
		return letters.Document{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return doc, nil
}

// Moves returns the move log in its merged order.
func (d *Doc) Moves() ([]moves.Operation, error) {
	values, err := d.list(keyMoves)
	if err != nil {
		return nil, err
	}
	ops := make([]moves.Operation, 0, len(values))
	for i, v := range values {
		op, err := decodeMove(v)
		if err != nil {
			return nil, fmt.Errorf("%w: move %d: %v", ErrMalformed, i, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Materialize replays the move log over the seeded collections.
func (d *Doc) Materialize() (letters.Document, error) {
	initial, err := d.Initial()
	if err != nil {
		return letters.Document{}, err
	}
	ops, err := d.Moves()
	if err != nil {
		return letters.Document{}, err
	}
	return moves.Replay(initial, ops)
}

func (d *Doc) list(key string) ([]*automerge.Value, error) {
	v, err := d.doc.Path(key).Get()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if v.Kind() != automerge.KindList {
		return nil, fmt.Errorf("%w: %s is %v, not a list", ErrMalformed, key, v.Kind())
	}
	values, err := v.List().Values()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return values, nil
}

func (d *Doc) items(key string) ([]letters.Item, error) {
	values, err := d.list(key)
	if err != nil {
		return nil, err
	}
	items := make([]letters.Item, 0, len(values))
	for i, v := range values {
		item, err := decodeItem(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s item %d: %v", ErrMalformed, key, i, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func encodeItem(item letters.Item) map[string]any {
	return map[string]any{
		"id":        item.ID,
		"character": item.Character,
		"position": map[string]any{
			"x": int64(item.Position.X),
			"y": int64(item.Position.Y),
		},
	}
}

func encodeMove(op moves.Operation) map[string]any {
	return map[string]any{
		"item": op.ItemID,
		"from": string(op.From),
		"to":   string(op.To),
	}
}

func asMap(v *automerge.Value) (*automerge.Map, error) {
	if v.Kind() != automerge.KindMap {
		return nil, fmt.Errorf("expected a map, got %v", v.Kind())
	}
	return v.Map(), nil
}

func getStr(m *automerge.Map, key string) (string, error) {
	v, err := m.Get(key)
	if err != nil {
		return "", err
	}
	if v.Kind() != automerge.KindStr {
		return "", fmt.Errorf("%s is %v, not a string", key, v.Kind())
	}
	return v.Str(), nil
}

func getInt(m *automerge.Map, key string) (int, error) {
	v, err := m.Get(key)
	if err != nil {
		return 0, err
	}
	switch v.Kind() {
	case automerge.KindInt64:
		return int(v.Int64()), nil
	case automerge.KindUint64:
		return int(v.Uint64()), nil
	case automerge.KindFloat64:
		return int(v.Float64()), nil
	default:
		return 0, fmt.Errorf("%s is %v, not a number", key, v.Kind())
	}
}

func decodeItem(v *automerge.Value) (letters.Item, error) {
	m, err := asMap(v)
	if err != nil {
		return letters.Item{}, err
	}
	var item letters.Item
	if item.ID, err = getStr(m, "id"); err != nil {
		return letters.Item{}, err
	}
	if item.Character, err = getStr(m, "character"); err != nil {
		return letters.Item{}, err
	}
	posValue, err := m.Get("position")
	if err != nil {
		return letters.Item{}, err
	}
	pos, err := asMap(posValue)
	if err != nil {
		return letters.Item{}, fmt.Errorf("position: %w", err)
	}
	if item.Position.X, err = getInt(pos, "x"); err != nil {
		return letters.Item{}, err
	}
	if item.Position.Y, err = getInt(pos, "y"); err != nil {
		return letters.Item{}, err
	}
	return item, nil
}

func decodeMove(v *automerge.Value) (moves.Operation, error) {
	m, err := asMap(v)
	if err != nil {
		return moves.Operation{}, err
	}
	var op moves.Operation
	if op.ItemID, err = getStr(m, "item"); err != nil {
		return moves.Operation{}, err
	}
	from, err := getStr(m, "from")
	if err != nil {
		return moves.Operation{}, err
	}
	to, err := getStr(m, "to")
	if err != nil {
		return moves.Operation{}, err
	}
	op.From, op.To = letters.Name(from), letters.Name(to)
	return op, nil
}
