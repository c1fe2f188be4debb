package pending

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prosesync/mergeseq/seqop"
)

func TestNewOpRange(t *testing.T) {
	op := NewOp(1, seqop.NewInsert(3, seqop.TextSegment("héllo", nil)))
	assert.Equal(t, 3, op.Start)
	assert.Equal(t, 8, op.End)

	op = NewOp(2, seqop.NewRemove(1, 4))
	assert.Equal(t, 1, op.Start)
	assert.Equal(t, 4, op.End)
}

func TestTableOrderAndAck(t *testing.T) {
	table := NewTable()
	for _, seq := range []int64{3, 1, 2} {
		table.Add(NewOp(seq, seqop.NewRemove(0, 1)))
	}
	require.Equal(t, 3, table.Len())

	oldest, ok := table.Oldest()
	require.True(t, ok)
	assert.Equal(t, int64(1), oldest.LocalSeq)

	var seqs []int64
	for _, op := range table.Snapshot() {
		seqs = append(seqs, op.LocalSeq)
	}
	assert.Equal(t, []int64{1, 2, 3}, seqs)

	op, ok := table.Ack(2)
	require.True(t, ok)
	assert.Equal(t, int64(2), op.LocalSeq)
	_, ok = table.Ack(2)
	assert.False(t, ok)
	assert.Equal(t, 2, table.Len())

	table.Clear()
	assert.Equal(t, 0, table.Len())
	_, ok = table.Oldest()
	assert.False(t, ok)
}

func TestTableConcurrentAccess(t *testing.T) {
	table := NewTable()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(base int64) {
			defer wg.Done()
			for j := int64(0); j < 100; j++ {
				seq := base*1000 + j
				table.Add(NewOp(seq, seqop.NewRemove(0, 1)))
				_, ok := table.Ack(seq)
				assert.True(t, ok)
			}
		}(int64(i))
	}
	wg.Wait()
	assert.Equal(t, 0, table.Len())
}
