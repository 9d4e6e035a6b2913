package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/automerge-letters/pkg/config"
	"github.com/astromechza/automerge-letters/pkg/server"
	"github.com/astromechza/automerge-letters/pkg/store"
	"github.com/astromechza/automerge-letters/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	configVar := flag.String("config", "", "an optional yaml config file, environment variables override it")
	renderVar := flag.Bool("render", false, "render the change graph of every cached document on exit")
	flag.Parse()

	var cfg config.Server
	if err := config.Load(*configVar, &cfg); err != nil {
		return err
	}
	level, err := config.Level(cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("Opening store", "driver", cfg.Store.Driver)
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	s := server.New(st, server.Options{
		Logger:       slog.Default(),
		Target:       cfg.Target,
		SyncInterval: cfg.SyncInterval,
	})

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.RunBackups(ctx, cfg.BackupInterval)
	}()

	httpServer := &http.Server{Addr: cfg.Addr, Handler: s.Handler()}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	_ = httpServer.Close()

	wg.Wait()

	for id, raw := range s.Documents() {
		if err := dump(id, raw, cfg.Target, *renderVar); err != nil {
			slog.Error("failed to dump", "document", id, "err", err)
		}
	}
	return nil
}

func dump(id string, raw []byte, target string, render bool) error {
	tf := filepath.Join(os.TempDir(), id+".automerge")
	if err := os.WriteFile(tf, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	slog.Info("dumped", "document", id, "path", tf)
	if !render {
		return nil
	}
	doc, err := automerge.Load(raw)
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	svgPath, err := viz.RenderToTemp(doc, target)
	if err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	slog.Info("rendered", "document", id, "path", "file://"+svgPath)
	return nil
}
