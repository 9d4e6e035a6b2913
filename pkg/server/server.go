// Package server is the relay every replica syncs through. It holds one automerge document per handle
// in memory, syncs it with any number of websocket clients and backs it up to a store.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astromechza/automerge-letters/pkg/amdoc"
	"github.com/astromechza/automerge-letters/pkg/letters"
	"github.com/astromechza/automerge-letters/pkg/store"
	"github.com/astromechza/automerge-letters/pkg/win"
)

const maxDocumentSize = 16 << 20

type Options struct {
	Logger       *slog.Logger
	Target       string
	SyncInterval time.Duration
	// Registerer defaults to a fresh registry so several servers can live in one process.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

type Server struct {
	store   store.Store
	logger  *slog.Logger
	target  string
	sync    time.Duration
	metrics *metrics
	gather  prometheus.Gatherer

	mu    sync.Mutex
	cache map[string]*document
}

func New(st store.Store, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Target == "" {
		opts.Target = win.DefaultTarget
	}
	if opts.Registerer == nil || opts.Gatherer == nil {
		registry := prometheus.NewRegistry()
		opts.Registerer, opts.Gatherer = registry, registry
	}
	return &Server{
		store:   st,
		logger:  opts.Logger,
		target:  opts.Target,
		sync:    opts.SyncInterval,
		metrics: newMetrics(opts.Registerer),
		gather:  opts.Gatherer,
		cache:   make(map[string]*document),
	}
}

// document is a cached automerge document shared by every connection to the same handle.
type document struct {
	mu    sync.Mutex
	id    string
	doc   *amdoc.Doc
	heads []automerge.ChangeHash
}

func (d *document) view() (letters.Document, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Materialize()
}

func (d *document) save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodPost).Path("/documents").HandlerFunc(s.createDocument)
	r.Methods(http.MethodGet).Path("/documents").HandlerFunc(s.listDocuments)
	r.Methods(http.MethodGet).Path("/documents/{document}").HandlerFunc(s.getView)
	r.Methods(http.MethodGet).Path("/documents/{document}/latest").HandlerFunc(s.getLatest)
	r.Methods(http.MethodGet).Path("/documents/{document}/snapshots").HandlerFunc(s.listSnapshots)
	r.Methods(http.MethodGet).Path("/documents/{document}/sync").HandlerFunc(s.syncDocument)
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{}))
	return r
}

// load returns the cached document, reading it from the store on first use.
func (s *Server) load(ctx context.Context, id string) (*document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.cache[id]; ok {
		return d, nil
	}
	raw, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	doc, err := amdoc.Load(raw)
	if err != nil {
		return nil, err
	}
	d := &document{id: id, doc: doc, heads: doc.Heads()}
	s.cache[id] = d
	s.metrics.documents.Set(float64(len(s.cache)))
	return d, nil
}

func (s *Server) createDocument(writer http.ResponseWriter, request *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(request.Body, maxDocumentSize))
	if err != nil {
		s.logger.Error("failed to read body", "err", err)
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	doc, err := amdoc.Load(raw)
	if err != nil {
		s.logger.Error("failed to load content", "err", err)
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	id := uuid.NewString()
	if err := s.store.Create(request.Context(), id, raw); err != nil {
		s.logger.Error("failed to persist document", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.mu.Lock()
	s.cache[id] = &document{id: id, doc: doc, heads: doc.Heads()}
	s.metrics.documents.Set(float64(len(s.cache)))
	s.mu.Unlock()
	s.metrics.created.Inc()

	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(writer).Encode(map[string]string{"id": id}); err != nil {
		s.logger.Error("failed to write", "err", err)
	}
}

func (s *Server) writeJSON(writer http.ResponseWriter, value any) {
	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(value); err != nil {
		s.logger.Error("failed to write", "err", err)
	}
}

func (s *Server) listDocuments(writer http.ResponseWriter, request *http.Request) {
	ids, err := s.store.List(request.Context())
	if err != nil {
		s.logger.Error("failed to list documents", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.writeJSON(writer, map[string][]string{"documents": ids})
}

// listSnapshots returns the saved versions of a document when the store keeps them.
func (s *Server) listSnapshots(writer http.ResponseWriter, request *http.Request) {
	history, ok := s.store.(store.History)
	if !ok {
		writer.WriteHeader(http.StatusNotImplemented)
		return
	}
	d, ok := s.lookup(writer, request)
	if !ok {
		return
	}
	ids, err := history.Snapshots(request.Context(), d.id)
	if err != nil {
		s.logger.Error("failed to list snapshots", "document", d.id, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.writeJSON(writer, map[string][]string{"snapshots": ids})
}

func (s *Server) lookup(writer http.ResponseWriter, request *http.Request) (*document, bool) {
	d, err := s.load(request.Context(), mux.Vars(request)["document"])
	if errors.Is(err, store.ErrNotFound) {
		writer.WriteHeader(http.StatusNotFound)
		return nil, false
	} else if err != nil {
		s.logger.Error("failed to load document", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return nil, false
	}
	return d, true
}

func (s *Server) getLatest(writer http.ResponseWriter, request *http.Request) {
	d, ok := s.lookup(writer, request)
	if !ok {
		return
	}
	writer.Header().Add("Content-Type", "application/octet-stream")
	if _, err := writer.Write(d.save()); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}

type view struct {
	Handle  string          `json:"handle"`
	Target  string          `json:"target"`
	Winning bool            `json:"winning"`
	Doc     json.RawMessage `json:"document"`
}

func (s *Server) getView(writer http.ResponseWriter, request *http.Request) {
	d, ok := s.lookup(writer, request)
	if !ok {
		return
	}
	current, err := d.view()
	if err != nil {
		s.logger.Error("failed to materialize", "document", d.id, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	raw, err := json.Marshal(current)
	if err != nil {
		s.logger.Error("failed to encode", "document", d.id, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(view{
		Handle:  d.id,
		Target:  s.target,
		Winning: win.IsWinning(current.Word, s.target),
		Doc:     raw,
	}); err != nil {
		s.logger.Error("failed to write", "err", err)
	}
}

func (s *Server) syncDocument(writer http.ResponseWriter, request *http.Request) {
	d, ok := s.lookup(writer, request)
	if !ok {
		return
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	conn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade", "err", err)
		return
	}
	s.serveSync(request.Context(), conn, d)
}

// Backup writes every cached document that changed since its last backup to the store.
func (s *Server) Backup(ctx context.Context) {
	s.mu.Lock()
	docs := make([]*document, 0, len(s.cache))
	for _, d := range s.cache {
		docs = append(docs, d)
	}
	s.mu.Unlock()

	for _, d := range docs {
		d.mu.Lock()
		heads := d.doc.Heads()
		if amdoc.SameHeads(heads, d.heads) {
			d.mu.Unlock()
			continue
		}
		raw := d.doc.Save()
		d.mu.Unlock()

		changed, err := s.store.Save(ctx, d.id, raw)
		if err != nil {
			s.logger.Error("failed to backup doc", "document", d.id, "err", err)
			s.metrics.backups.WithLabelValues("error").Inc()
			continue
		}
		d.mu.Lock()
		d.heads = heads
		d.mu.Unlock()
		if changed {
			s.logger.Info("backed up", "document", d.id, "heads", heads)
			s.metrics.backups.WithLabelValues("saved").Inc()
		}
	}
}

// RunBackups calls Backup every interval until ctx is done, then once more.
func (s *Server) RunBackups(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.Backup(ctx)
		case <-ctx.Done():
			// the request context is gone, so give the final flush its own
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			s.Backup(flushCtx)
			cancel()
			return
		}
	}
}

// Documents returns the saved content of every cached document by handle.
func (s *Server) Documents() map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(s.cache))
	for id, d := range s.cache {
		out[id] = d.save()
	}
	return out
}
