// Package seed populates the pool of a brand new document. It only ever runs on the replica that
// creates the document, before anything else can observe it.
package seed

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/astromechza/automerge-letters/pkg/letters"
)

var ErrBootstrapCapacityExceeded = errors.New("not enough free cells for the seeded letters")

const DefaultPhrase = "HELLOWORLD"

// Grid is a canvas of Canvas.X by Canvas.Y cells, each Cell pixels in size.
type Grid struct {
	Canvas letters.Position
	Cell   letters.Position
}

var DefaultGrid = Grid{
	Canvas: letters.Position{X: 10, Y: 10},
	Cell:   letters.Position{X: 32, Y: 32},
}

// Cells is the number of distinct positions a letter can be drawn on. A grid with an empty cell size
// has none, since every draw would land on the same coordinates.
func (g Grid) Cells() int {
	if g.Canvas.X <= 0 || g.Canvas.Y <= 0 || g.Cell.X <= 0 || g.Cell.Y <= 0 {
		return 0
	}
	return g.Canvas.X * g.Canvas.Y
}

func (g Grid) draw(rng *rand.Rand) letters.Position {
	return letters.Position{
		X: rng.IntN(g.Canvas.X) * g.Cell.X,
		Y: rng.IntN(g.Canvas.Y) * g.Cell.Y,
	}
}

// Letters produces one item per character of phrase repeated repeat times, each on its own cell of the
// grid. Ids are sequential integers starting at 0.
func Letters(rng *rand.Rand, phrase string, repeat int, grid Grid) ([]letters.Item, error) {
	characters := []rune(strings.Repeat(phrase, max(repeat, 0)))
	if len(characters) > grid.Cells() {
		return nil, fmt.Errorf("%w: %d letters on %d cells", ErrBootstrapCapacityExceeded, len(characters), grid.Cells())
	}

	used := make(map[letters.Position]bool, len(characters))
	items := make([]letters.Item, 0, len(characters))
	for i, character := range characters {
		pos := grid.draw(rng)
		for used[pos] {
			pos = grid.draw(rng)
		}
		used[pos] = true
		items = append(items, letters.Item{
			ID:        strconv.Itoa(i),
			Character: string(character),
			Position:  pos,
		})
	}
	return items, nil
}
