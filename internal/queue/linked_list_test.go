package queue_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GratisLedger/internal/kv"
	"GratisLedger/internal/queue"
)

func newList(t *testing.T) (*queue.List[uint64], kv.Store) {
	t.Helper()
	store := kv.NewMemoryStore()
	l, err := queue.Open[uint64](store, []byte("q"), queue.Uint64Codec{})
	require.NoError(t, err)
	return l, store
}

func dequeue(t *testing.T, l *queue.List[uint64]) (uint64, bool) {
	t.Helper()
	v, ok, err := l.Dequeue()
	require.NoError(t, err)
	return v, ok
}

func expectNext(t *testing.T, l *queue.List[uint64], want uint64) {
	t.Helper()
	v, ok := dequeue(t, l)
	require.True(t, ok, "expected %d, queue empty", want)
	assert.Equal(t, want, v)
}

func expectEmpty(t *testing.T, l *queue.List[uint64]) {
	t.Helper()
	_, ok := dequeue(t, l)
	assert.False(t, ok)
}

func TestQueue_Trivial(t *testing.T) {
	q, _ := newList(t)

	expectEmpty(t, q)
	assert.Equal(t, uint32(0), q.Len())
	assert.True(t, q.IsEmpty())

	require.NoError(t, q.Enqueue(1))
	assert.Equal(t, uint32(1), q.Len())
	assert.False(t, q.IsEmpty())
	require.NoError(t, q.Enqueue(2))
	require.NoError(t, q.Enqueue(3))
	assert.Equal(t, uint32(3), q.Len())

	expectNext(t, q, 1)
	assert.Equal(t, uint32(2), q.Len())
	expectNext(t, q, 2)
	expectNext(t, q, 3)
	assert.Equal(t, uint32(0), q.Len())
	expectEmpty(t, q)
	assert.True(t, q.IsEmpty())
}

func TestQueue_Interleaved(t *testing.T) {
	q, _ := newList(t)

	require.NoError(t, q.Enqueue(1))
	expectNext(t, q, 1)
	expectEmpty(t, q)

	require.NoError(t, q.Enqueue(2))
	require.NoError(t, q.Enqueue(3))
	expectNext(t, q, 2)
	for _, v := range []uint64{4, 5, 6, 7} {
		require.NoError(t, q.Enqueue(v))
	}
	expectNext(t, q, 3)
	assert.Equal(t, uint32(4), q.Len())
	for _, v := range []uint64{4, 5, 6, 7} {
		expectNext(t, q, v)
	}
	expectEmpty(t, q)

	for _, v := range []uint64{4, 5, 6, 7, 8} {
		require.NoError(t, q.Enqueue(v))
	}
	for _, v := range []uint64{4, 5, 6, 7, 8} {
		expectNext(t, q, v)
	}
	expectEmpty(t, q)
	assert.True(t, q.IsEmpty())
}

func TestQueue_LotsOfItems(t *testing.T) {
	q, _ := newList(t)

	for i := uint64(0); i < 100; i++ {
		require.NoError(t, q.Enqueue(i))
	}
	for i := uint64(0); i < 100; i++ {
		expectNext(t, q, i)
	}
	expectEmpty(t, q)
}

func TestQueue_PrependGoesToHead(t *testing.T) {
	q, _ := newList(t)

	require.NoError(t, q.Prepend(10))
	require.NoError(t, q.Enqueue(20))
	require.NoError(t, q.Prepend(5))

	head, ok, err := q.Peek()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(5), head)

	tail, ok, err := q.PeekBack()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(20), tail)

	values, err := q.Values()
	require.NoError(t, err)
	assert.Equal(t, []uint64{5, 10, 20}, values)
}

func TestQueue_DequeueThenPrependRestoresOrder(t *testing.T) {
	q, _ := newList(t)
	for _, v := range []uint64{1, 2, 3} {
		require.NoError(t, q.Enqueue(v))
	}

	expectNext(t, q, 1)
	require.NoError(t, q.Prepend(1))

	values, err := q.Values()
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, values)
}

func TestQueue_Replace(t *testing.T) {
	q, _ := newList(t)

	// no-op on empty list
	require.NoError(t, q.Replace(99))
	assert.True(t, q.IsEmpty())

	require.NoError(t, q.Enqueue(1))
	require.NoError(t, q.Enqueue(2))
	require.NoError(t, q.Replace(7))

	values, err := q.Values()
	require.NoError(t, err)
	assert.Equal(t, []uint64{7, 2}, values)
}

func TestQueue_PeekEmpty(t *testing.T) {
	q, _ := newList(t)

	_, ok, err := q.Peek()
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = q.PeekBack()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueue_IterStopsEarly(t *testing.T) {
	q, _ := newList(t)
	for i := uint64(0); i < 10; i++ {
		require.NoError(t, q.Enqueue(i))
	}

	var seen []uint64
	require.NoError(t, q.Iter(func(v uint64) bool {
		seen = append(seen, v)
		return v < 2
	}))
	assert.Equal(t, []uint64{0, 1, 2}, seen)
}

func TestQueue_NextIDResetsWhenDrained(t *testing.T) {
	q, _ := newList(t)
	for i := uint64(0); i < 3; i++ {
		require.NoError(t, q.Enqueue(i))
	}
	assert.Equal(t, uint64(3), q.NextID())

	expectNext(t, q, 0)
	assert.Equal(t, uint64(3), q.NextID())
	expectNext(t, q, 1)
	expectNext(t, q, 2)
	assert.Equal(t, uint64(0), q.NextID())
}

func TestQueue_PersistsAcrossReopen(t *testing.T) {
	q, store := newList(t)
	for _, v := range []uint64{3, 1, 4} {
		require.NoError(t, q.Enqueue(v))
	}
	expectNext(t, q, 3)

	reopened, err := queue.Open[uint64](store, []byte("q"), queue.Uint64Codec{})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), reopened.Len())

	values, err := reopened.Values()
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 4}, values)
}

func TestQueue_PrefixesAreIsolated(t *testing.T) {
	store := kv.NewMemoryStore()
	a, err := queue.Open[uint64](store, []byte("a"), queue.Uint64Codec{})
	require.NoError(t, err)
	b, err := queue.Open[uint64](store, []byte("b"), queue.Uint64Codec{})
	require.NoError(t, err)

	require.NoError(t, a.Enqueue(1))
	require.NoError(t, b.Enqueue(2))

	expectNext(t, a, 1)
	expectNext(t, b, 2)
}

func TestQueue_IDOverflow(t *testing.T) {
	store := kv.NewMemoryStore()

	// empty list whose id counter is exhausted
	meta := make([]byte, 0, 29)
	meta = binary.BigEndian.AppendUint32(meta, 0)
	meta = append(meta, 0)
	meta = binary.BigEndian.AppendUint64(meta, 0)
	meta = binary.BigEndian.AppendUint64(meta, 0)
	meta = binary.BigEndian.AppendUint64(meta, math.MaxUint64)
	require.NoError(t, store.Put([]byte("qm"), meta))

	q, err := queue.Open[uint64](store, []byte("q"), queue.Uint64Codec{})
	require.NoError(t, err)

	assert.ErrorIs(t, q.Enqueue(1), queue.ErrIDOverflow)
	assert.ErrorIs(t, q.Prepend(1), queue.ErrIDOverflow)
}

func TestQueue_Clear(t *testing.T) {
	q, store := newList(t)
	for i := uint64(0); i < 5; i++ {
		require.NoError(t, q.Enqueue(i))
	}
	require.NoError(t, q.Clear())
	assert.True(t, q.IsEmpty())
	// only the metadata key remains
	assert.Equal(t, 1, store.(*kv.MemoryStore).Len())
}

func TestQueue_LevelDBBackend(t *testing.T) {
	store, err := kv.NewLevelDBStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	q, err := queue.Open[uint64](store, []byte("withdrawals:"), queue.Uint64Codec{})
	require.NoError(t, err)
	for i := uint64(0); i < 20; i++ {
		require.NoError(t, q.Enqueue(i))
	}
	for i := uint64(0); i < 20; i++ {
		expectNext(t, q, i)
	}
	expectEmpty(t, q)
}
