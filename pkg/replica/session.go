package replica

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/astromechza/automerge-letters/pkg/letters"
	"github.com/astromechza/automerge-letters/pkg/moves"
	"github.com/astromechza/automerge-letters/pkg/win"
)

// Session is one client's view of one document. All state lives in the fabric; the session only
// turns index based requests into moves and re-derives the win condition on every change to the word.
type Session struct {
	fabric Fabric
	target string
	logger *slog.Logger

	winners Observers[bool]

	mu      sync.Mutex
	cancels []func()
}

func NewSession(fabric Fabric, target string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{fabric: fabric, target: target, logger: logger}
	s.cancels = append(s.cancels, fabric.OnChange(letters.Word, func() {
		s.winners.Notify(s.IsWinning())
	}))
	return s
}

func (s *Session) Document() letters.Document {
	return s.fabric.Snapshot()
}

func (s *Session) Target() string {
	return s.target
}

// MoveToEnd moves the item currently at index of src to the end of dst. It never blocks on the
// network and never retries: a moves.ErrIndexOutOfRange means the caller's view was stale.
func (s *Session) MoveToEnd(src letters.Name, index int, dst letters.Name) error {
	op, err := moves.MoveToEnd(s.fabric.Snapshot(), src, index, dst)
	if err != nil {
		return err
	}
	if err := s.fabric.ApplyLocally(op); err != nil {
		return fmt.Errorf("failed to apply move %s: %w", op, err)
	}
	s.logger.Debug("moved", "item", op.ItemID, "from", op.From, "to", op.To)
	return nil
}

func (s *Session) IsWinning() bool {
	return win.IsWinning(s.fabric.Snapshot().Word, s.target)
}

// OnWinChange calls fn with the freshly evaluated win condition after every change to the word.
func (s *Session) OnWinChange(fn func(winning bool)) func() {
	return s.winners.Subscribe(fn)
}

func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
}
