package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prosesync/internal/component"
	"prosesync/internal/model"
	"prosesync/internal/session"
	"prosesync/internal/testutil"
	"prosesync/mergeseq/common"
	"prosesync/mergeseq/seqop"
	"prosesync/mergeseq/seqpubsub"
	"prosesync/mergeseq/seqstore"
	"prosesync/mergeseq/seqsync"
	"prosesync/mergeseq/sequence"
)

type testServer struct {
	service *seqsync.Service
	server  *Server
	http    *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	broadcaster, err := seqsync.NewPubSubBroadcaster(seqpubsub.NewMemoryPubSub(nil), "", "")
	require.NoError(t, err)
	service := seqsync.NewService(seqsync.NewMemoryOpLog(), broadcaster, testutil.NewLogger())
	server, err := NewServer(service, broadcaster, seqstore.NewMemoryAdapter(), 1, testutil.NewLogger())
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		server.Close()
		ts.Close()
		service.Close()
	})
	return &testServer{service: service, server: server, http: ts}
}

func (s *testServer) dialer() *Dialer {
	return &Dialer{BaseURL: s.http.URL, Logger: testutil.NewLogger()}
}

func TestOpsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	client := common.NewClientID()
	_, err := ts.service.Join(ctx, "notes", client)
	require.NoError(t, err)

	for i, text := range []string{"ab", "cd"} {
		_, err := ts.service.Submit(ctx, "notes", &seqop.Message{
			ClientID:  client,
			ClientSeq: int64(i + 1),
			RefSeq:    int64(i),
			Op:        seqop.NewInsert(2*i, seqop.TextSegment(text, nil)),
		})
		require.NoError(t, err)
	}

	resp, err := http.Get(ts.http.URL + "/channels/notes/ops?from=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var msgs []*seqop.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(2), msgs[0].Seq)
	assert.Equal(t, "cd", msgs[0].Op.Seg.Text)

	bad, err := http.Get(ts.http.URL + "/channels/notes/ops?from=x")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestWebSocketRequiresClientID(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.http.URL + "/channels/notes/ws?client=nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRootAdapter(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	root := seqstore.NewRootStore("doc", NewRootAdapter(ts.http.URL, nil), testutil.NewLogger())
	defer root.Close()

	_, ok, err := root.Get(ctx, seqstore.TextKey)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := root.SetIfAbsent(ctx, seqstore.TextKey, "/doc/a")
	require.NoError(t, err)
	assert.True(t, stored)
	stored, err = root.SetIfAbsent(ctx, seqstore.TextKey, "/doc/b")
	require.NoError(t, err)
	assert.False(t, stored)

	value, ok, err := root.Get(ctx, seqstore.TextKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "/doc/a", value)

	registered, err := root.IsRegistered(ctx, seqstore.TextKey)
	require.NoError(t, err)
	assert.False(t, registered)
	require.NoError(t, root.Register(ctx, seqstore.TextKey))
	registered, err = root.IsRegistered(ctx, seqstore.TextKey)
	require.NoError(t, err)
	assert.True(t, registered)

	require.NoError(t, root.Set(ctx, "title", "Notes"))
	keys, err := root.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{seqstore.TextKey, "title"}, keys)
}

type wsReplica struct {
	seq *sequence.Sequence
	dm  *seqsync.DeltaManager
}

func connect(t *testing.T, dialer seqsync.Dialer, channel string) *wsReplica {
	t.Helper()
	ctx := context.Background()
	conn, err := dialer.Dial(ctx, channel, common.NewClientID())
	require.NoError(t, err)

	dm := seqsync.NewDeltaManager(conn, testutil.NewLogger())
	seq := sequence.New(channel, conn.ClientID(), sequence.WithOutbox(dm))
	require.NoError(t, dm.Start(ctx, 0, func(msg *seqop.Message) {
		assert.NoError(t, seq.Process(msg))
	}))
	t.Cleanup(func() { dm.Close() })
	return &wsReplica{seq: seq, dm: dm}
}

func TestReplicasConvergeOverWebSocket(t *testing.T) {
	ts := newTestServer(t)
	dialer := ts.dialer()
	a := connect(t, dialer, "notes")
	b := connect(t, dialer, "notes")
	assert.Equal(t, 2, ts.server.Connections())

	_, err := a.seq.InsertText(0, "Hello", seqop.Props{"mark.em": true})
	require.NoError(t, err)
	_, err = b.seq.InsertText(0, "World", nil)
	require.NoError(t, err)

	settled := func() bool {
		return a.seq.PendingCount() == 0 && b.seq.PendingCount() == 0 &&
			a.dm.LastSeq() == 2 && b.dm.LastSeq() == 2
	}
	require.Eventually(t, settled, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, a.seq.Segments(), b.seq.Segments())
	assert.Len(t, a.seq.Text(), 10)

	require.NoError(t, b.dm.Close())
	require.Eventually(t, func() bool { return ts.server.Connections() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestEditorsOverWebSocket(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	factory := component.NewFactory(model.Schema{}, testutil.NewLogger())

	open := func() *component.Editor {
		root := seqstore.NewRootStore("doc", NewRootAdapter(ts.http.URL, nil), testutil.NewLogger())
		editor, err := factory.Instantiate(ctx, component.Host{ID: "doc", Root: root, Dialer: ts.dialer()})
		require.NoError(t, err)
		t.Cleanup(func() { editor.Close() })
		require.NoError(t, editor.Render(nil))
		return editor
	}
	a := open()
	b := open()
	assert.Equal(t, session.Created, a.Mode())
	assert.Equal(t, session.Joined, b.Mode())

	require.NoError(t, a.Dispatch(model.NewTransaction(model.InsertText{Pos: 0, Text: "Hello"})))
	require.NoError(t, b.Dispatch(model.NewTransaction(model.InsertText{Pos: 0, Text: "> "})))

	require.Eventually(t, func() bool {
		return a.Settled() && b.Settled() &&
			a.Sequence().CurrentSeq() == b.Sequence().CurrentSeq() &&
			cmp.Equal(a.Document(), b.Document())
	}, 3*time.Second, 10*time.Millisecond)
	assert.Len(t, a.Document().Text(), 7)
	assert.Equal(t, 1, a.Sequence().MarkerCount())
}
