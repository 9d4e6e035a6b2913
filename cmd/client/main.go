package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/astromechza/automerge-letters/pkg/config"
	"github.com/astromechza/automerge-letters/pkg/letters"
	"github.com/astromechza/automerge-letters/pkg/moves"
	"github.com/astromechza/automerge-letters/pkg/peer"
	"github.com/astromechza/automerge-letters/pkg/replica"
	"github.com/astromechza/automerge-letters/pkg/seed"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	configVar := flag.String("config", "", "an optional yaml config file, environment variables override it")
	flag.Parse()

	var cfg config.Client
	if err := config.Load(*configVar, &cfg); err != nil {
		return err
	}
	level, err := config.Level(cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	baseUrl, err := url.Parse(cfg.Server)
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := peer.Options{
		Logger:            slog.Default(),
		SyncInterval:      cfg.SyncInterval,
		ReconnectInterval: cfg.ReconnectInterval,
	}
	r, err := open(ctx, baseUrl, cfg, opts)
	if err != nil {
		return err
	}

	session := replica.NewSession(r, cfg.Target, slog.Default())
	defer session.Close()
	defer r.OnConnectionStateChange(func(state replica.ConnectionState) {
		slog.Info("connection", "state", state)
	})()
	defer r.OnDirtyChange(func(dirty bool) {
		slog.Info("saved", "saved", !dirty)
	})()
	defer session.OnWinChange(func(winning bool) {
		if winning {
			slog.Info("word assembled", "word", session.Document().Word.Characters())
		}
	})()

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		clickRandomlyContinuously(ctx, session, cfg.ClickInterval)
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()

	wg.Wait()

	tf := filepath.Join(os.TempDir(), r.Handle()+"-"+fmt.Sprint(os.Getpid())+".automerge")
	if err := os.WriteFile(tf, r.Save(), 0o644); err != nil {
		return fmt.Errorf("failed to dump: %w", err)
	}
	slog.Info("dumped", "dump", tf, "word", session.Document().Word.Characters())
	return nil
}

// open joins the configured document, or seeds and attaches a new one when none is configured.
func open(ctx context.Context, baseUrl *url.URL, cfg config.Client, opts peer.Options) (*peer.Replica, error) {
	if cfg.Document != "" {
		return peer.Join(ctx, baseUrl, cfg.Document, opts)
	}
	grid := seed.Grid{
		Canvas: letters.Position{X: cfg.CanvasWidth, Y: cfg.CanvasHeight},
		Cell:   letters.Position{X: cfg.CellSize, Y: cfg.CellSize},
	}
	items, err := seed.Letters(rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())), cfg.Phrase, cfg.Repeat, grid)
	if err != nil {
		return nil, err
	}
	r, err := peer.Create(baseUrl, items, opts)
	if err != nil {
		return nil, err
	}
	handle, err := r.AttachOnce(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to attach: %w", err)
	}
	slog.Info("created document, join it with DOCUMENT="+handle, "handle", handle)
	return r, nil
}

// clickRandomlyContinuously plays like a distracted user: every so often it moves a random item to
// the end of the other collection.
func clickRandomlyContinuously(ctx context.Context, session *replica.Session, interval time.Duration) {
	for {
		t := time.NewTimer(interval + time.Duration(rand.Int64N(int64(interval)+1)))
		select {
		case <-t.C:
			click(session)
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled clicks")
			return
		}
	}
}

func click(session *replica.Session) {
	doc := session.Document()
	src, dst := letters.Pool, letters.Word
	if doc.Word.Len() > 0 && (doc.Pool.Len() == 0 || rand.IntN(4) == 0) {
		src, dst = dst, src
	}
	c, _ := doc.Collection(src)
	if c.Len() == 0 {
		return
	}
	err := session.MoveToEnd(src, rand.IntN(c.Len()), dst)
	if errors.Is(err, moves.ErrIndexOutOfRange) {
		slog.Debug("view was stale, skipping click")
		return
	} else if err != nil {
		slog.Error("failed to move", "err", err)
		return
	}
	slog.Info("moved", "word", session.Document().Word.Characters())
}
