package peer

import (
	"math/rand/v2"
	"net/url"
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-letters/pkg/amdoc"
	"github.com/astromechza/automerge-letters/pkg/letters"
	"github.com/astromechza/automerge-letters/pkg/moves"
	"github.com/astromechza/automerge-letters/pkg/seed"
)

func localReplica(t *testing.T) *Replica {
	t.Helper()
	items, err := seed.Letters(rand.New(rand.NewPCG(1, 2)), "HELLO", 1, seed.DefaultGrid)
	require.NoError(t, err)
	r, err := Create(&url.URL{Scheme: "http", Host: "127.0.0.1:1"}, items, Options{})
	require.NoError(t, err)
	return r
}

// corrupt commits a move log entry that cannot be decoded.
func corrupt(t *testing.T, r *Replica) {
	t.Helper()
	am := r.doc.Automerge()
	require.NoError(t, am.Path("moves").List().Append("not a move"))
	_, err := am.Commit("junk")
	require.NoError(t, err)
}

func TestApplyLocally_ReportsUnreadableDocument(t *testing.T) {
	r := localReplica(t)
	before := r.Snapshot()
	corrupt(t, r)

	err := r.ApplyLocally(moves.Operation{ItemID: "0", From: letters.Pool, To: letters.Word})
	assert.ErrorIs(t, err, amdoc.ErrMalformed)
	assert.True(t, r.Dirty())
	assert.True(t, before.Word.Equal(r.Snapshot().Word))
}

func TestReceiveMessage_SkipsRefreshWithoutChanges(t *testing.T) {
	r := localReplica(t)
	remote, err := automerge.Load(r.Save())
	require.NoError(t, err)
	corrupt(t, r)

	// Given: a remote that only announces its heads
	msg, valid := automerge.NewSyncState(remote).GenerateMessage()
	require.True(t, valid)
	require.Empty(t, msg.Changes())

	// When: it is received
	p := &syncPeer{r: r, state: automerge.NewSyncState(r.doc.Automerge())}

	// Then: the document is not read back, so the unreadable entry does not surface
	assert.NoError(t, p.ReceiveMessage(msg.Bytes()))
}
