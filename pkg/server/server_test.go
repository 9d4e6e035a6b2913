package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-letters/pkg/amdoc"
	"github.com/astromechza/automerge-letters/pkg/letters"
	"github.com/astromechza/automerge-letters/pkg/moves"
	"github.com/astromechza/automerge-letters/pkg/seed"
	"github.com/astromechza/automerge-letters/pkg/store"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server, store.Store) {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "server.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	s := New(st, Options{Target: "HELLO"})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts, st
}

func seededDoc(t *testing.T) *amdoc.Doc {
	t.Helper()
	items, err := seed.Letters(rand.New(rand.NewPCG(5, 5)), "HELLO", 1, seed.DefaultGrid)
	require.NoError(t, err)
	doc, err := amdoc.New("", items)
	require.NoError(t, err)
	return doc
}

func create(t *testing.T, ts *httptest.Server, raw []byte) string {
	t.Helper()
	resp, err := http.Post(ts.URL+"/documents", "application/octet-stream", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.ID)
	return out.ID
}

func TestCreateDocument(t *testing.T) {
	_, ts, st := newTestServer(t)

	t.Run("rejects content that is not a letters document", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/documents", "application/octet-stream", strings.NewReader("garbage"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("stores the document under a fresh handle", func(t *testing.T) {
		doc := seededDoc(t)
		id := create(t, ts, doc.Save())
		other := create(t, ts, doc.Save())
		assert.NotEqual(t, id, other)

		raw, err := st.Load(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, doc.Save(), raw)
	})
}

func TestGetLatest(t *testing.T) {
	_, ts, _ := newTestServer(t)
	doc := seededDoc(t)
	id := create(t, ts, doc.Save())

	resp, err := http.Get(ts.URL + "/documents/" + id + "/latest")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	loaded, err := amdoc.Load(raw)
	require.NoError(t, err)
	assert.ElementsMatch(t, doc.Heads(), loaded.Heads())

	resp, err = http.Get(ts.URL + "/documents/unknown/latest")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetView(t *testing.T) {
	_, ts, _ := newTestServer(t)
	doc := seededDoc(t)
	for range 5 {
		current, err := doc.Materialize()
		require.NoError(t, err)
		op, err := moves.MoveToEnd(current, letters.Pool, 0, letters.Word)
		require.NoError(t, err)
		_, err = doc.AppendMove(op)
		require.NoError(t, err)
	}
	id := create(t, ts, doc.Save())

	resp, err := http.Get(ts.URL + "/documents/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Handle   string           `json:"handle"`
		Winning  bool             `json:"winning"`
		Document letters.Document `json:"document"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, id, out.Handle)
	assert.True(t, out.Winning)
	assert.Equal(t, "HELLO", out.Document.Word.Characters())
	assert.Equal(t, 0, out.Document.Pool.Len())
}

func TestBackup(t *testing.T) {
	s, ts, st := newTestServer(t)
	id := create(t, ts, seededDoc(t).Save())
	ctx := context.Background()

	// Given: a cached document changed in memory
	s.mu.Lock()
	d := s.cache[id]
	s.mu.Unlock()
	require.NotNil(t, d)
	d.mu.Lock()
	_, err := d.doc.AppendMove(moves.Operation{ItemID: "0", From: letters.Pool, To: letters.Word})
	d.mu.Unlock()
	require.NoError(t, err)

	// When: a backup runs
	s.Backup(ctx)

	// Then: the store holds the change
	raw, err := st.Load(ctx, id)
	require.NoError(t, err)
	loaded, err := amdoc.Load(raw)
	require.NoError(t, err)
	ops, err := loaded.Moves()
	require.NoError(t, err)
	assert.Len(t, ops, 1)

	assert.Contains(t, s.Documents(), id)
}

func TestMetrics(t *testing.T) {
	_, ts, _ := newTestServer(t)
	create(t, ts, seededDoc(t).Save())

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "letters_documents_created_total 1")
	assert.Contains(t, string(body), "letters_cached_documents 1")
}

func TestListDocumentsAndSnapshots(t *testing.T) {
	s, ts, _ := newTestServer(t)
	ctx := context.Background()
	first := create(t, ts, seededDoc(t).Save())
	second := create(t, ts, seededDoc(t).Save())

	resp, err := http.Get(ts.URL + "/documents")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed struct {
		Documents []string `json:"documents"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	assert.ElementsMatch(t, []string{first, second}, listed.Documents)

	// Given: one backup of a changed document
	s.mu.Lock()
	d := s.cache[first]
	s.mu.Unlock()
	d.mu.Lock()
	_, err = d.doc.AppendMove(moves.Operation{ItemID: "0", From: letters.Pool, To: letters.Word})
	d.mu.Unlock()
	require.NoError(t, err)
	s.Backup(ctx)

	// When: its history is requested
	resp, err = http.Get(ts.URL + "/documents/" + first + "/snapshots")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Then: the created version and the backup are both there
	var history struct {
		Snapshots []string `json:"snapshots"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&history))
	assert.Len(t, history.Snapshots, 2)

	resp, err = http.Get(ts.URL + "/documents/unknown/snapshots")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
