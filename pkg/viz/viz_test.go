package viz

import (
	"bytes"
	"os"
	"testing"

	"github.com/goccy/go-graphviz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-letters/pkg/amdoc"
	"github.com/astromechza/automerge-letters/pkg/letters"
	"github.com/astromechza/automerge-letters/pkg/moves"
)

func helloDoc(t *testing.T) *amdoc.Doc {
	t.Helper()
	var items []letters.Item
	for i, c := range "HI" {
		items = append(items, letters.Item{ID: string(rune('a' + i)), Character: string(c)})
	}
	doc, err := amdoc.New("aa01", items)
	require.NoError(t, err)
	for _, id := range []string{"a", "b"} {
		_, err := doc.AppendMove(moves.Operation{ItemID: id, From: letters.Pool, To: letters.Word})
		require.NoError(t, err)
	}
	return doc
}

func TestRender(t *testing.T) {
	doc := helloDoc(t)

	var buff bytes.Buffer
	require.NoError(t, Render(doc.Automerge(), "HI", graphviz.XDOT, &buff))
	assert.Contains(t, buff.String(), "->")
}

func TestLabel(t *testing.T) {
	am := helloDoc(t).Automerge()
	changes, err := am.Changes()
	require.NoError(t, err)
	require.Len(t, changes, 3)

	assert.Contains(t, Label(am, changes[0], "HI"), `""`)
	assert.Contains(t, Label(am, changes[1], "HI"), `"H"`)
	assert.NotContains(t, Label(am, changes[1], "HI"), "*")
	assert.Contains(t, Label(am, changes[2], "HI"), `"HI" *`)
	assert.Contains(t, Label(am, changes[2], "HI"), "aa01@3")
}

func TestRenderToTemp(t *testing.T) {
	path, err := RenderToTemp(helloDoc(t).Automerge(), "HI")
	require.NoError(t, err)
	defer os.Remove(path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "<svg")
}
