package peer_test

import (
	"context"
	"math/rand/v2"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-letters/pkg/letters"
	"github.com/astromechza/automerge-letters/pkg/moves"
	"github.com/astromechza/automerge-letters/pkg/peer"
	"github.com/astromechza/automerge-letters/pkg/replica"
	"github.com/astromechza/automerge-letters/pkg/seed"
	"github.com/astromechza/automerge-letters/pkg/server"
	"github.com/astromechza/automerge-letters/pkg/store"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

var fast = peer.Options{SyncInterval: 20 * time.Millisecond, ReconnectInterval: 20 * time.Millisecond}

func startServer(t *testing.T) *url.URL {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "peer.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ts := httptest.NewServer(server.New(st, server.Options{SyncInterval: 20 * time.Millisecond}).Handler())
	t.Cleanup(ts.Close)
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	return u
}

func hello(t *testing.T) []letters.Item {
	t.Helper()
	items, err := seed.Letters(rand.New(rand.NewPCG(1, 2)), "HELLO", 1, seed.DefaultGrid)
	require.NoError(t, err)
	return items
}

func run(t *testing.T, r *peer.Replica) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func TestCreate_IsLocalUntilAttached(t *testing.T) {
	u := startServer(t)
	r, err := peer.Create(u, hello(t), fast)
	require.NoError(t, err)

	assert.Empty(t, r.Handle())
	assert.True(t, r.Dirty())
	assert.Equal(t, replica.Disconnected, r.ConnectionState())

	// moves work before anything reaches the server
	require.NoError(t, r.ApplyLocally(moveFirst(t, r, letters.Pool, letters.Word)))
	assert.Equal(t, 1, r.Snapshot().Word.Len())

	handle, err := r.AttachOnce(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, handle)
	assert.Equal(t, handle, r.Handle())
	assert.False(t, r.Dirty())

	// a second attach is rejected and leaves the document alone
	before := r.Snapshot()
	beforeSave := r.Save()
	again, err := r.AttachOnce(context.Background())
	assert.ErrorIs(t, err, replica.ErrAttachAlreadyPerformed)
	assert.Empty(t, again)
	assert.Equal(t, handle, r.Handle())
	assert.Equal(t, before, r.Snapshot())
	assert.Equal(t, beforeSave, r.Save())
	assert.False(t, r.Dirty())
}

func TestAttachOnce_RetryAfterFailure(t *testing.T) {
	u := startServer(t)
	dead := *u
	dead.Host = "127.0.0.1:1"

	r, err := peer.Create(&dead, hello(t), fast)
	require.NoError(t, err)
	_, err = r.AttachOnce(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, replica.ErrAttachAlreadyPerformed)

	// a second attempt is allowed because the first never completed
	_, err = r.AttachOnce(context.Background())
	assert.NotErrorIs(t, err, replica.ErrAttachAlreadyPerformed)
}

func TestJoin(t *testing.T) {
	u := startServer(t)

	t.Run("unknown handle", func(t *testing.T) {
		_, err := peer.Join(context.Background(), u, "missing", fast)
		assert.ErrorIs(t, err, peer.ErrNotFound)
	})

	t.Run("joined replicas cannot attach", func(t *testing.T) {
		a, err := peer.Create(u, hello(t), fast)
		require.NoError(t, err)
		handle, err := a.AttachOnce(context.Background())
		require.NoError(t, err)

		b, err := peer.Join(context.Background(), u, handle, fast)
		require.NoError(t, err)
		assert.Equal(t, handle, b.Handle())
		assert.True(t, a.Snapshot().Pool.Equal(b.Snapshot().Pool))
		_, err = b.AttachOnce(context.Background())
		assert.ErrorIs(t, err, replica.ErrAttachAlreadyPerformed)
	})
}

func TestReplicas_Converge(t *testing.T) {
	u := startServer(t)
	ctx := context.Background()

	a, err := peer.Create(u, hello(t), fast)
	require.NoError(t, err)
	handle, err := a.AttachOnce(ctx)
	require.NoError(t, err)
	b, err := peer.Join(ctx, u, handle, fast)
	require.NoError(t, err)

	// Given: both replicas move the same item before either has synced
	require.NoError(t, a.ApplyLocally(moveFirst(t, a, letters.Pool, letters.Word)))
	require.NoError(t, b.ApplyLocally(moveFirst(t, b, letters.Pool, letters.Word)))
	// and b moves another one
	require.NoError(t, b.ApplyLocally(moveFirst(t, b, letters.Pool, letters.Word)))
	assert.True(t, a.Dirty())
	assert.True(t, b.Dirty())

	var wordChanges sync.WaitGroup
	wordChanges.Add(1)
	var once sync.Once
	cancel := a.OnChange(letters.Word, func() { once.Do(wordChanges.Done) })
	defer cancel()

	// When: they sync through the server
	run(t, a)
	run(t, b)

	// Then: they agree on the document, and nothing is lost or duplicated
	require.Eventually(t, func() bool {
		return a.Snapshot().Word.Len() == 2 && a.Snapshot().Word.Equal(b.Snapshot().Word) &&
			a.Snapshot().Pool.Equal(b.Snapshot().Pool)
	}, waitFor, tick)
	assert.NoError(t, a.Snapshot().CheckPartition())
	assert.Equal(t, 5, a.Snapshot().Len())
	wordChanges.Wait()

	require.Eventually(t, func() bool {
		return !a.Dirty() && !b.Dirty() &&
			a.ConnectionState() == replica.Connected && b.ConnectionState() == replica.Connected
	}, waitFor, tick)
}

func TestSessions_SeeTheWin(t *testing.T) {
	u := startServer(t)
	ctx := context.Background()

	a, err := peer.Create(u, hello(t), fast)
	require.NoError(t, err)
	handle, err := a.AttachOnce(ctx)
	require.NoError(t, err)
	b, err := peer.Join(ctx, u, handle, fast)
	require.NoError(t, err)

	sa := replica.NewSession(a, "HELLO", nil)
	defer sa.Close()
	sb := replica.NewSession(b, "HELLO", nil)
	defer sb.Close()

	won := make(chan bool, 16)
	cancel := sb.OnWinChange(func(w bool) { won <- w })
	defer cancel()

	run(t, a)
	run(t, b)

	for range 5 {
		require.NoError(t, sa.MoveToEnd(letters.Pool, 0, letters.Word))
	}
	assert.True(t, sa.IsWinning())

	// the word may arrive over several sync rounds
	deadline := time.After(waitFor)
	for winning := false; !winning; {
		select {
		case winning = <-won:
		case <-deadline:
			t.Fatal("b never saw the word assembled")
		}
	}
	assert.Equal(t, "HELLO", sb.Document().Word.Characters())
}

func moveFirst(t *testing.T, r *peer.Replica, src, dst letters.Name) moves.Operation {
	t.Helper()
	op, err := moves.MoveToEnd(r.Snapshot(), src, 0, dst)
	require.NoError(t, err)
	return op
}
