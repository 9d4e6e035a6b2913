package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"

	"github.com/astromechza/automerge-letters/pkg/amdoc"
	"github.com/astromechza/automerge-letters/pkg/viz"
	"github.com/astromechza/automerge-letters/pkg/win"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	targetVar := flag.String("target", win.DefaultTarget, "the word that counts as assembled")
	outVar := flag.String("out", "", "render the change graph to this file instead of printing dot")
	formatVar := flag.String("format", string(graphviz.SVG), "the graphviz format used with -out, such as svg or png")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the file to read")
	}
	f, err := os.Open(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()
	buff, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}
	doc, err := amdoc.Load(buff)
	if err != nil {
		return err
	}
	buff = nil
	slog.Info("loaded heads", "heads", doc.Heads())

	initial, err := doc.Initial()
	if err != nil {
		return err
	}
	ops, err := doc.Moves()
	if err != nil {
		return err
	}
	current, err := doc.Materialize()
	if err != nil {
		return err
	}
	slog.Info("loaded doc", "items", initial.Len(), "moves", len(ops), "pool", current.Pool.Characters(), "word", current.Word.Characters(), "winning", win.IsWinning(current.Word, *targetVar))
	for i, op := range ops {
		slog.Info("move", "i", fmt.Sprintf("%4d", i), "op", op.String())
	}

	slog.Info("changes:")
	am := doc.Automerge()
	changes, err := am.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	for i, change := range changes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "actor", change.ActorID(), "dep", change.Dependencies(), "message", change.Message())
	}

	if *outVar != "" {
		out, err := os.Create(*outVar)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer out.Close()
		if err := viz.Render(am, *targetVar, graphviz.Format(*formatVar), out); err != nil {
			return err
		}
		slog.Info("rendered", "path", "file://"+*outVar)
		return nil
	}
	return printDot(am, changes, *targetVar)
}

func printDot(doc *automerge.Doc, changes []*automerge.Change, target string) error {
	fmt.Println(`digraph "log" {`)
	for _, change := range changes {
		fmt.Printf("    \"%s\" [label=%q]\n", change.Hash(), viz.Label(doc, change, target))
		for _, hash := range change.Dependencies() {
			fmt.Printf("    \"%s\" -> \"%s\"\n", hash, change.Hash())
		}
	}
	fmt.Println("}")
	return nil
}
