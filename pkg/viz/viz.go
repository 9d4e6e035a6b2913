// Package viz draws the change history of a letters document as a graph, labelling each change with
// the word as it stood once that change was applied.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/automerge-letters/pkg/amdoc"
	"github.com/astromechza/automerge-letters/pkg/win"
)

// Label describes the document as of one change.
func Label(doc *automerge.Doc, change *automerge.Change, target string) string {
	prefix := fmt.Sprintf("%s %s@%d", change.Hash().String()[:8], change.ActorID(), change.ActorSeq())
	docAt, err := doc.Fork(change.Hash())
	if err != nil {
		return prefix + " ?"
	}
	wrapped, err := amdoc.Wrap(docAt)
	if err != nil {
		return prefix + " -"
	}
	current, err := wrapped.Materialize()
	if err != nil {
		return prefix + " !"
	}
	label := fmt.Sprintf("%s %q", prefix, current.Word.Characters())
	if win.IsWinning(current.Word, target) {
		label += " *"
	}
	return label
}

// Render writes the change graph of doc to w in the given format.
func Render(doc *automerge.Doc, target string, format graphviz.Format, w io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}

	nodeMap := make(map[string]*cgraph.Node, len(changes))
	edges := 0
	for _, change := range changes {
		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(Label(doc, change, target))
		nodeMap[n.Name()] = n

		for _, hash := range change.Dependencies() {
			parent, ok := nodeMap[hash.String()]
			if !ok {
				continue
			}
			edges++
			if _, err := graph.CreateEdge(strconv.Itoa(edges), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	if err := g.Render(graph, format, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

func RenderDocToSvg(doc *automerge.Doc, target string, outputPath string) error {
	var buff bytes.Buffer
	if err := Render(doc, target, graphviz.SVG, &buff); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}

func RenderToTemp(doc *automerge.Doc, target string) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderDocToSvg(doc, target, tf); err != nil {
		return "", err
	}
	return tf, nil
}
