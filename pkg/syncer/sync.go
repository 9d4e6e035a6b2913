// Package syncer runs the automerge sync protocol over a websocket.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// Peer is one side of a sync session. Implementations guard their document themselves because
// messages are generated and received from different goroutines.
type Peer interface {
	GenerateMessage() ([]byte, bool)
	ReceiveMessage(msg []byte) error
}

func readAndReceiveMessage(conn *websocket.Conn, peer Peer) error {
	mt, p, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}
	switch mt {
	case websocket.BinaryMessage:
		if err := peer.ReceiveMessage(p); err != nil {
			return fmt.Errorf("failed to receive message: %w", err)
		}
	default:
	}
	return nil
}

func generateAndWriteMessages(conn *websocket.Conn, peer Peer) error {
	for {
		msg, valid := peer.GenerateMessage()
		if !valid {
			return nil
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
	}
}

// Sync exchanges messages until ctx is done or the connection fails. Pending messages are flushed
// immediately and then every interval. The connection is closed on return.
func Sync(ctx context.Context, conn *websocket.Conn, peer Peer, interval time.Duration, logger *slog.Logger) error {
	if interval <= 0 {
		interval = time.Second
	}
	logger.Debug("syncing", "remote", conn.RemoteAddr())
	defer conn.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			if err := readAndReceiveMessage(conn, peer); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	})

	g.Go(func() error {
		// unblocks the reader
		defer conn.Close()

		if err := generateAndWriteMessages(conn, peer); err != nil {
			return err
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := generateAndWriteMessages(conn, peer); err != nil {
					return err
				}
			case <-ctx.Done():
				_ = conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second),
				)
				return nil
			}
		}
	})

	err := g.Wait()
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
		return nil
	}
	return err
}
