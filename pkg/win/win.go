package win

import "github.com/astromechza/automerge-letters/pkg/letters"

// DefaultTarget is the word players are asked to assemble.
const DefaultTarget = "HELLO"

// IsWinning reports whether the characters of word, read in order, spell target exactly. It keeps no
// state, so breaking up the word turns the result back to false. An empty target never wins, not even
// against an empty word.
func IsWinning(word letters.Collection, target string) bool {
	return target != "" && word.Characters() == target
}
