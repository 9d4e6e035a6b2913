// Package peer is a networked replica of a letters document. It keeps the document in automerge,
// applies moves locally straight away and syncs with a relay server over a websocket in the
// background.
package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"

	"github.com/astromechza/automerge-letters/pkg/amdoc"
	"github.com/astromechza/automerge-letters/pkg/letters"
	"github.com/astromechza/automerge-letters/pkg/moves"
	"github.com/astromechza/automerge-letters/pkg/replica"
	"github.com/astromechza/automerge-letters/pkg/syncer"
)

var ErrNotFound = errors.New("document not found")

type Options struct {
	Logger            *slog.Logger
	HTTPClient        *http.Client
	SyncInterval      time.Duration
	ReconnectInterval time.Duration
	// Actor defaults to a random id.
	Actor string
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	if o.SyncInterval <= 0 {
		o.SyncInterval = time.Second
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = time.Second
	}
	if o.Actor == "" {
		o.Actor = amdoc.NewActorID()
	}
	return o
}

// Replica implements replica.Fabric.
type Replica struct {
	server *url.URL
	opts   Options
	logger *slog.Logger

	mu            sync.Mutex
	doc           *amdoc.Doc
	current       letters.Document
	handle        string
	attaching     bool
	attached      chan struct{}
	state         replica.ConnectionState
	dirty         bool
	pool, word    replica.Observers[struct{}]
	states        replica.Observers[replica.ConnectionState]
	dirtyWatchers replica.Observers[bool]
}

var _ replica.Fabric = (*Replica)(nil)

func newReplica(server *url.URL, doc *amdoc.Doc, opts Options) (*Replica, error) {
	current, err := doc.Materialize()
	if err != nil {
		return nil, err
	}
	return &Replica{
		server:   server,
		opts:     opts,
		logger:   opts.Logger.With("actor", opts.Actor),
		doc:      doc,
		current:  current,
		attached: make(chan struct{}),
		state:    replica.Disconnected,
	}, nil
}

// Create starts a local-only document seeded with items. Nothing is sent to the server until
// AttachOnce is called.
func Create(server *url.URL, items []letters.Item, opts Options) (*Replica, error) {
	opts = opts.withDefaults()
	doc, err := amdoc.New(opts.Actor, items)
	if err != nil {
		return nil, err
	}
	r, err := newReplica(server, doc, opts)
	if err != nil {
		return nil, err
	}
	// the seed has not been acknowledged by anyone yet
	r.dirty = true
	return r, nil
}

// Join loads an existing document from the server. The returned replica counts as attached.
func Join(ctx context.Context, server *url.URL, handle string, opts Options) (*Replica, error) {
	opts = opts.withDefaults()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.JoinPath("documents", handle, "latest").String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, handle)
	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body from get: %w", err)
	}
	doc, err := amdoc.Load(raw)
	if err != nil {
		return nil, err
	}
	if err := doc.SetActor(opts.Actor); err != nil {
		return nil, fmt.Errorf("failed to set actor: %w", err)
	}
	r, err := newReplica(server, doc, opts)
	if err != nil {
		return nil, err
	}
	r.handle = handle
	r.attaching = true
	close(r.attached)
	r.logger.Info("joined document", "handle", handle, "heads", doc.Heads())
	return r, nil
}

func (r *Replica) Snapshot() letters.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Replica) Handle() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle
}

// Save returns the full automerge document, including the move history.
func (r *Replica) Save() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Save()
}

func (r *Replica) ApplyLocally(op moves.Operation) error {
	r.mu.Lock()
	if _, err := r.doc.AppendMove(op); err != nil {
		r.mu.Unlock()
		return err
	}
	ev, err := r.refreshLocked()
	ev.dirty = r.setDirtyLocked(true)
	r.mu.Unlock()
	r.publish(ev)
	if err != nil {
		return fmt.Errorf("move %s was recorded but the document could not be read back: %w", op, err)
	}
	return nil
}

func (r *Replica) OnChange(name letters.Name, fn func()) func() {
	wrapped := func(struct{}) { fn() }
	if name == letters.Pool {
		return r.pool.Subscribe(wrapped)
	}
	return r.word.Subscribe(wrapped)
}

func (r *Replica) ConnectionState() replica.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Replica) OnConnectionStateChange(fn func(replica.ConnectionState)) func() {
	return r.states.Subscribe(fn)
}

func (r *Replica) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

func (r *Replica) OnDirtyChange(fn func(dirty bool)) func() {
	return r.dirtyWatchers.Subscribe(fn)
}

// AttachOnce uploads the document and returns the handle the server assigned to it. A failed upload
// can be tried again; a successful one cannot.
func (r *Replica) AttachOnce(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.attaching {
		r.mu.Unlock()
		return "", replica.ErrAttachAlreadyPerformed
	}
	r.attaching = true
	raw := r.doc.Save()
	heads := r.doc.Heads()
	r.mu.Unlock()

	handle, err := r.upload(ctx, raw)
	if err != nil {
		r.mu.Lock()
		r.attaching = false
		r.mu.Unlock()
		return "", err
	}

	r.mu.Lock()
	r.handle = handle
	close(r.attached)
	var ev events
	if amdoc.SameHeads(heads, r.doc.Heads()) {
		ev.dirty = r.setDirtyLocked(false)
	}
	r.mu.Unlock()
	r.publish(ev)
	r.logger.Info("attached document", "handle", handle)
	return handle, nil
}

func (r *Replica) upload(ctx context.Context, raw []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.server.JoinPath("documents").String(), bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := r.opts.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("server returned an empty handle")
	}
	return out.ID, nil
}

// Run keeps the replica connected until ctx is done. It waits for the document to be attached first.
func (r *Replica) Run(ctx context.Context) {
	select {
	case <-r.attached:
	case <-ctx.Done():
		return
	}
	for {
		if err := r.connectAndSync(ctx); err != nil {
			r.logger.Error("failed to sync", "err", err)
		}
		r.setState(replica.Disconnected)

		t := time.NewTimer(r.opts.ReconnectInterval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			r.logger.Info("stopping sync")
			return
		}
	}
}

func (r *Replica) connectAndSync(ctx context.Context) error {
	r.setState(replica.Connecting)
	u := r.server.JoinPath("documents", r.Handle(), "sync")
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	r.mu.Lock()
	p := &syncPeer{r: r, state: automerge.NewSyncState(r.doc.Automerge())}
	r.mu.Unlock()
	r.setState(replica.CatchingUp)

	if err := syncer.Sync(ctx, conn, p, r.opts.SyncInterval, r.logger); err != nil {
		return fmt.Errorf("failed to sync: %w", err)
	}
	return nil
}

type syncPeer struct {
	r     *Replica
	state *automerge.SyncState
}

func (p *syncPeer) GenerateMessage() ([]byte, bool) {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	msg, valid := p.state.GenerateMessage()
	if !valid || msg == nil {
		return nil, false
	}
	return msg.Bytes(), true
}

func (p *syncPeer) ReceiveMessage(raw []byte) error {
	r := p.r
	r.mu.Lock()
	msg, err := p.state.ReceiveMessage(raw)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	var ev events
	if len(msg.Changes()) > 0 {
		if ev, err = r.refreshLocked(); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	// the remote holds everything we hold, so every local move has been acknowledged
	if amdoc.SameHeads(msg.Heads(), r.doc.Heads()) {
		ev.dirty = r.setDirtyLocked(false)
		if r.state == replica.CatchingUp {
			ev.state = r.setStateLocked(replica.Connected)
		}
	}
	r.mu.Unlock()
	r.publish(ev)
	return nil
}

type events struct {
	pool, word bool
	state      *replica.ConnectionState
	dirty      *bool
}

func (r *Replica) refreshLocked() (events, error) {
	next, err := r.doc.Materialize()
	if err != nil {
		return events{}, fmt.Errorf("failed to materialize document: %w", err)
	}
	ev := events{
		pool: !next.Pool.Equal(r.current.Pool),
		word: !next.Word.Equal(r.current.Word),
	}
	r.current = next
	return ev, nil
}

func (r *Replica) setDirtyLocked(dirty bool) *bool {
	if r.dirty == dirty {
		return nil
	}
	r.dirty = dirty
	return &dirty
}

func (r *Replica) setStateLocked(state replica.ConnectionState) *replica.ConnectionState {
	if r.state == state {
		return nil
	}
	r.logger.Debug("connection state", "from", r.state, "to", state)
	r.state = state
	return &state
}

func (r *Replica) setState(state replica.ConnectionState) {
	r.mu.Lock()
	changed := r.setStateLocked(state)
	r.mu.Unlock()
	r.publish(events{state: changed})
}

func (r *Replica) publish(ev events) {
	if ev.pool {
		r.pool.Notify(struct{}{})
	}
	if ev.word {
		r.word.Notify(struct{}{})
	}
	if ev.state != nil {
		r.states.Notify(*ev.state)
	}
	if ev.dirty != nil {
		r.dirtyWatchers.Notify(*ev.dirty)
	}
}
