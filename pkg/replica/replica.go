// Package replica defines what the move engine needs from the replicated document fabric, and the
// document session that ties a fabric to the move engine and the win condition.
package replica

import (
	"context"
	"errors"
	"sync"

	"github.com/astromechza/automerge-letters/pkg/letters"
	"github.com/astromechza/automerge-letters/pkg/moves"
)

var ErrAttachAlreadyPerformed = errors.New("document is already attached")

type ConnectionState int

const (
	Connecting ConnectionState = iota
	Connected
	Disconnected
	CatchingUp
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case CatchingUp:
		return "catching-up"
	default:
		return "unknown"
	}
}

// Fabric is a replica of the shared document.
//
// ApplyLocally makes the operation visible to Snapshot before it returns; the fabric orders it against
// remote operations later. OnChange callbacks fire after every local or remote change to the named
// collection and carry no payload. Every On* method returns a function that removes the callback.
// AttachOnce publishes a local-only document and returns its handle; a second call, or a call on a
// document that was joined by handle, fails with ErrAttachAlreadyPerformed.
type Fabric interface {
	Snapshot() letters.Document
	ApplyLocally(op moves.Operation) error
	OnChange(name letters.Name, fn func()) func()

	ConnectionState() ConnectionState
	OnConnectionStateChange(fn func(ConnectionState)) func()

	Dirty() bool
	OnDirtyChange(fn func(dirty bool)) func()

	AttachOnce(ctx context.Context) (string, error)
	Handle() string
}

// Observers is a set of callbacks. Notify calls every callback registered at the time of the call in
// no particular order; callbacks may subscribe or unsubscribe while being notified.
type Observers[T any] struct {
	mu    sync.Mutex
	next  int
	funcs map[int]func(T)
}

func (o *Observers[T]) Subscribe(fn func(T)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.funcs == nil {
		o.funcs = make(map[int]func(T))
	}
	id := o.next
	o.next++
	o.funcs[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.funcs, id)
	}
}

func (o *Observers[T]) Notify(value T) {
	o.mu.Lock()
	funcs := make([]func(T), 0, len(o.funcs))
	for _, fn := range o.funcs {
		funcs = append(funcs, fn)
	}
	o.mu.Unlock()
	for _, fn := range funcs {
		fn(value)
	}
}

func (o *Observers[T]) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.funcs)
}
