package seqsync

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prosesync/mergeseq/common"
	"prosesync/mergeseq/seqop"
	"prosesync/mergeseq/seqpubsub"
	"prosesync/mergeseq/sequence"
)

func newLocalDialer(t *testing.T) *LocalDialer {
	broadcaster, err := NewPubSubBroadcaster(seqpubsub.NewMemoryPubSub(nil), "", "")
	require.NoError(t, err)
	svc := NewService(NewMemoryOpLog(), broadcaster, nil)
	t.Cleanup(func() { svc.Close() })
	return &LocalDialer{Service: svc, Broadcaster: broadcaster}
}

type replica struct {
	seq *sequence.Sequence
	dm  *DeltaManager
}

func connectReplica(t *testing.T, dialer Dialer, channel string) *replica {
	ctx := context.Background()
	conn, err := dialer.Dial(ctx, channel, common.NewClientID())
	require.NoError(t, err)

	dm := NewDeltaManager(conn, nil)
	seq := sequence.New(channel, conn.ClientID(), sequence.WithOutbox(dm))
	require.NoError(t, dm.Start(ctx, 0, func(msg *seqop.Message) {
		assert.NoError(t, seq.Process(msg))
	}))
	t.Cleanup(func() { dm.Close() })
	return &replica{seq: seq, dm: dm}
}

func settled(replicas ...*replica) func() bool {
	return func() bool {
		first := replicas[0].seq.Segments()
		for _, r := range replicas {
			if r.seq.PendingCount() != 0 || r.dm.Pending() != 0 {
				return false
			}
			if !assert.ObjectsAreEqual(first, r.seq.Segments()) {
				return false
			}
		}
		return true
	}
}

func TestDeltaManager_ReplicasConverge(t *testing.T) {
	dialer := newLocalDialer(t)
	a := connectReplica(t, dialer, "doc")
	b := connectReplica(t, dialer, "doc")

	_, err := a.seq.InsertText(0, "Hello", nil)
	require.NoError(t, err)
	require.Eventually(t, settled(a, b), 2*time.Second, 5*time.Millisecond)

	_, err = a.seq.InsertText(5, "!", nil)
	require.NoError(t, err)
	_, err = b.seq.InsertText(5, " World", nil)
	require.NoError(t, err)
	require.Eventually(t, settled(a, b), 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, a.seq.Text(), b.seq.Text())
	assert.Len(t, a.seq.Text(), 12)
	assert.Equal(t, a.dm.LastSeq(), b.dm.LastSeq())
}

func TestDeltaManager_LateJoinerCatchesUp(t *testing.T) {
	dialer := newLocalDialer(t)
	a := connectReplica(t, dialer, "doc")
	for i := 0; i < 10; i++ {
		_, err := a.seq.InsertText(a.seq.Length(), "x", nil)
		require.NoError(t, err)
	}
	require.Eventually(t, settled(a), 2*time.Second, 5*time.Millisecond)

	b := connectReplica(t, dialer, "doc")
	assert.Equal(t, int64(10), b.seq.CurrentSeq())
	assert.Equal(t, "xxxxxxxxxx", b.seq.Text())
}

type fakeConnection struct {
	clientID common.ClientID
	log      []*seqop.Message
	handler  MessageHandler
}

func (c *fakeConnection) ClientID() common.ClientID { return c.clientID }
func (c *fakeConnection) Submit(ctx context.Context, msg *seqop.Message) error { return nil }
func (c *fakeConnection) Fetch(ctx context.Context, from int64) ([]*seqop.Message, error) {
	if from >= int64(len(c.log)) {
		return nil, nil
	}
	return c.log[from:], nil
}
func (c *fakeConnection) Listen(ctx context.Context, handler MessageHandler) error {
	c.handler = handler
	return nil
}
func (c *fakeConnection) Close() error { return nil }

func TestDeltaManager_DedupesAndFillsGaps(t *testing.T) {
	conn := &fakeConnection{clientID: common.NewClientID()}
	for i := int64(1); i <= 5; i++ {
		msg := newMessage(common.NewClientID(), 1, 0, "x")
		msg.Seq = i
		conn.log = append(conn.log, msg)
	}

	var got []int64
	dm := NewDeltaManager(conn, nil)
	require.NoError(t, dm.Start(context.Background(), 0, func(msg *seqop.Message) {
		got = append(got, msg.Seq)
	}))
	defer dm.Close()
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, got)

	conn.handler(conn.log[2])
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, got)

	for i := int64(6); i <= 8; i++ {
		msg := newMessage(common.NewClientID(), 1, 0, "x")
		msg.Seq = i
		conn.log = append(conn.log, msg)
	}
	conn.handler(conn.log[7])
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7, 8}, got)
	assert.Equal(t, int64(8), dm.LastSeq())

	history, err := dm.Fetch(context.Background(), 6)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(7), history[0].Seq)
	assert.Equal(t, int64(8), dm.LastSeq())
}

func TestRedisConnection_ReplicasConverge(t *testing.T) {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping Redis test: %v", err)
	}

	log, err := NewRedisStreamsOpLog(client, "prosesync-test")
	require.NoError(t, err)
	dialer := &RedisDialer{Log: log}
	channel := common.NewClientID().String()
	defer client.Del(context.Background(), log.StreamKey(channel), log.seqKey(channel), log.clientsKey(channel))

	a := connectReplica(t, dialer, channel)
	b := connectReplica(t, dialer, channel)
	_, err = a.seq.InsertText(0, "ab", nil)
	require.NoError(t, err)
	_, err = b.seq.InsertText(0, "cd", nil)
	require.NoError(t, err)
	require.Eventually(t, settled(a, b), 5*time.Second, 20*time.Millisecond)
	assert.Len(t, a.seq.Text(), 4)

	msgs, err := log.Read(context.Background(), channel, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(1), msgs[0].Seq)
	assert.Equal(t, int64(2), msgs[1].Seq)
}
