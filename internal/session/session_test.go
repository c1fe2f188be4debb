package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prosesync/internal/codec"
	"prosesync/internal/model"
	"prosesync/internal/syncerr"
	"prosesync/internal/testutil"
	"prosesync/mergeseq/seqpubsub"
	"prosesync/mergeseq/seqstore"
	"prosesync/mergeseq/seqsync"
)

func newProvider(t *testing.T) *DialProvider {
	t.Helper()
	broadcaster, err := seqsync.NewPubSubBroadcaster(seqpubsub.NewMemoryPubSub(nil), "", "")
	require.NoError(t, err)
	svc := seqsync.NewService(seqsync.NewMemoryOpLog(), broadcaster, testutil.NewLogger())
	t.Cleanup(func() { svc.Close() })
	return NewDialProvider("doc", &seqsync.LocalDialer{Service: svc, Broadcaster: broadcaster}, testutil.NewLogger())
}

func newRoot() *seqstore.RootStore {
	return seqstore.NewRootStore("doc", seqstore.NewMemoryAdapter(), testutil.NewLogger())
}

func detachOnCleanup(t *testing.T, res *Result) {
	t.Cleanup(func() { res.Channel.Detach() })
}

func TestAttach_CreateThenJoin(t *testing.T) {
	ctx := context.Background()
	root := newRoot()
	provider := newProvider(t)

	created, err := Attach(ctx, root, provider)
	require.NoError(t, err)
	detachOnCleanup(t, created)
	assert.Equal(t, Created, created.Mode)
	assert.Equal(t, 1, created.Sequence().Length())
	assert.Equal(t, 1, created.Sequence().MarkerCount())

	value, ok, err := root.Get(ctx, seqstore.TextKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, created.Handle().String(), value)
	registered, err := root.IsRegistered(ctx, seqstore.TextKey)
	require.NoError(t, err)
	assert.True(t, registered)

	joined, err := Attach(ctx, root, provider)
	require.NoError(t, err)
	detachOnCleanup(t, joined)
	assert.Equal(t, Joined, joined.Mode)
	assert.Equal(t, created.Handle(), joined.Handle())

	doc, err := codec.Decode(joined.Sequence().Segments())
	require.NoError(t, err)
	require.Len(t, doc.Blocks, 1)
	assert.Equal(t, model.BlockParagraph, doc.Blocks[0].Type)
	assert.Equal(t, "", doc.Text())
}

func TestAttach_ConcurrentCreatorsAgree(t *testing.T) {
	ctx := context.Background()
	root := newRoot()
	provider := newProvider(t)

	const clients = 5
	results := make([]*Result, clients)
	errs := make([]error, clients)
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = Attach(ctx, root, provider)
		}(i)
	}
	wg.Wait()

	created := 0
	for i, res := range results {
		require.NoError(t, errs[i])
		detachOnCleanup(t, res)
		if res.Mode == Created {
			created++
		}
		assert.Equal(t, results[0].Handle(), res.Handle())
		assert.Equal(t, 1, res.Sequence().MarkerCount())
	}
	assert.Equal(t, 1, created)
}

func TestAttach_MalformedHandle(t *testing.T) {
	ctx := context.Background()
	root := newRoot()
	require.NoError(t, root.Set(ctx, seqstore.TextKey, "not-a-handle"))

	_, err := Attach(ctx, root, newProvider(t))
	var attachErr syncerr.AttachError
	require.True(t, errors.As(err, &attachErr))
	assert.Equal(t, "not-a-handle", attachErr.Handle)
}

func TestAttach_UnpublishedChannelTimesOut(t *testing.T) {
	ctx := context.Background()
	root := newRoot()
	handle := seqstore.NewHandle("doc", "nobody")
	require.NoError(t, root.Set(ctx, seqstore.TextKey, handle.String()))

	_, err := Attach(ctx, root, newProvider(t), WithJoinTimeout(50*time.Millisecond), WithPollInterval(5*time.Millisecond))
	var attachErr syncerr.AttachError
	require.True(t, errors.As(err, &attachErr))
	assert.Equal(t, handle.String(), attachErr.Handle)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

type failingRoot struct {
	*seqstore.RootStore
}

func (failingRoot) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("root store offline")
}

func TestAttach_RootFailure(t *testing.T) {
	_, err := Attach(context.Background(), failingRoot{}, newProvider(t))
	var attachErr syncerr.AttachError
	require.True(t, errors.As(err, &attachErr))
	assert.Contains(t, err.Error(), "root store offline")
}

type failingProvider struct{}

func (failingProvider) CreateSequence(context.Context) (*Channel, error) {
	return nil, errors.New("quota exceeded")
}

func (failingProvider) GetChannel(context.Context, seqstore.Handle) (*Channel, error) {
	return nil, errors.New("unreachable")
}

func TestAttach_ProviderFailure(t *testing.T) {
	ctx := context.Background()
	root := newRoot()

	_, err := Attach(ctx, root, failingProvider{})
	var attachErr syncerr.AttachError
	require.True(t, errors.As(err, &attachErr))
	assert.Contains(t, err.Error(), "quota exceeded")

	_, ok, err := root.Get(ctx, seqstore.TextKey)
	require.NoError(t, err)
	assert.False(t, ok, "a failed create must not claim the root")
}

func TestMode_String(t *testing.T) {
	assert.Equal(t, "created", Created.String())
	assert.Equal(t, "joined", Joined.String())
	assert.Equal(t, "unknown", Mode(0).String())
}
