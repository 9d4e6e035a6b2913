package server

import (
	"context"
	"fmt"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"

	"github.com/astromechza/automerge-letters/pkg/syncer"
	"github.com/astromechza/automerge-letters/pkg/win"
)

// docPeer is the server end of one sync session. Every session on the same document shares its lock.
type docPeer struct {
	s     *Server
	d     *document
	state *automerge.SyncState
}

func (p *docPeer) GenerateMessage() ([]byte, bool) {
	p.d.mu.Lock()
	defer p.d.mu.Unlock()
	msg, valid := p.state.GenerateMessage()
	if !valid || msg == nil {
		return nil, false
	}
	p.s.metrics.messages.WithLabelValues("sent").Inc()
	return msg.Bytes(), true
}

func (p *docPeer) ReceiveMessage(raw []byte) error {
	p.d.mu.Lock()
	defer p.d.mu.Unlock()
	msg, err := p.state.ReceiveMessage(raw)
	if err != nil {
		return err
	}
	p.s.metrics.messages.WithLabelValues("received").Inc()
	if len(msg.Changes()) == 0 {
		return nil
	}
	current, err := p.d.doc.Materialize()
	if err != nil {
		return fmt.Errorf("failed to materialize after sync: %w", err)
	}
	p.s.logger.Debug("received changes", "document", p.d.id, "changes", len(msg.Changes()), "word", current.Word.Characters())
	if win.IsWinning(current.Word, p.s.target) {
		p.s.logger.Info("word assembled", "document", p.d.id, "word", current.Word.Characters())
	}
	return nil
}

func (s *Server) serveSync(ctx context.Context, conn *websocket.Conn, d *document) {
	d.mu.Lock()
	p := &docPeer{s: s, d: d, state: automerge.NewSyncState(d.doc.Automerge())}
	d.mu.Unlock()

	s.metrics.sessions.Inc()
	defer s.metrics.sessions.Dec()

	logger := s.logger.With("document", d.id, "remote", conn.RemoteAddr())
	logger.Info("sync session started")
	if err := syncer.Sync(ctx, conn, p, s.sync, logger); err != nil {
		logger.Error("failed to sync", "err", err)
		return
	}
	logger.Info("sync session finished")
}
