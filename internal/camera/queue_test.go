package camera

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, count, size int) (*framePool, *atomic.Int64) {
	t.Helper()
	var allocs atomic.Int64
	p, err := newFramePool(count, size, &allocs)
	require.NoError(t, err)
	return p, &allocs
}

func frameWithSeq(t *testing.T, p *framePool, seq uint64) *RawFrame {
	t.Helper()
	f := p.get()
	require.NotNil(t, f, "pool exhausted")
	f.Seq = seq
	return f
}

// TestCaptureQueueBound は深さを超えた分が古い順に捨てられることをテストする
func TestCaptureQueueBound(t *testing.T) {
	pool, _ := newTestPool(t, 8, 16)
	q := NewCaptureQueue(MaxQueueDepth)

	for i := uint64(1); i <= 5; i++ {
		q.Push(frameWithSeq(t, pool, i))
		assert.LessOrEqual(t, q.Len(), MaxQueueDepth)
	}
	assert.Equal(t, uint64(3), q.Dropped())

	// 残るのは最新の2枚
	first := q.Pop(10 * time.Millisecond)
	second := q.Pop(10 * time.Millisecond)
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, uint64(4), first.Seq)
	assert.Equal(t, uint64(5), second.Seq)
	first.Release()
	second.Release()

	// 捨てたフレームもプールに戻っている
	assert.Len(t, pool.free, 8)
}

// TestCaptureQueueOrder は取り出し順が到着順であることをテストする
func TestCaptureQueueOrder(t *testing.T) {
	pool, _ := newTestPool(t, 4, 16)
	q := NewCaptureQueue(MaxQueueDepth)

	evicted := q.Push(frameWithSeq(t, pool, 1))
	assert.False(t, evicted)
	f := q.Pop(time.Millisecond)
	require.NotNil(t, f)
	assert.Equal(t, uint64(1), f.Seq)
	f.Release()

	q.Push(frameWithSeq(t, pool, 2))
	q.Push(frameWithSeq(t, pool, 3))
	evicted = q.Push(frameWithSeq(t, pool, 4))
	assert.True(t, evicted)

	var got []uint64
	for f := q.Pop(time.Millisecond); f != nil; f = q.Pop(time.Millisecond) {
		got = append(got, f.Seq)
		f.Release()
	}
	assert.Equal(t, []uint64{3, 4}, got)
}

// TestCaptureQueuePopTimeout は空のキューでタイムアウトすることをテストする
func TestCaptureQueuePopTimeout(t *testing.T) {
	q := NewCaptureQueue(MaxQueueDepth)

	start := time.Now()
	assert.Nil(t, q.Pop(20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

// TestCaptureQueueConcurrent はプロデューサーとコンシューマーが並行しても順序と上限が守られることをテストする
func TestCaptureQueueConcurrent(t *testing.T) {
	pool, _ := newTestPool(t, MaxQueueDepth+frameHeadroom, 8)
	q := NewCaptureQueue(MaxQueueDepth)

	const total = 2000
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := uint64(1); i <= total; i++ {
			f := pool.get()
			for f == nil {
				time.Sleep(10 * time.Microsecond)
				f = pool.get()
			}
			f.Seq = i
			q.Push(f)
		}
	}()

	var last uint64
	for {
		f := q.Pop(5 * time.Millisecond)
		if f == nil {
			select {
			case <-done:
				if q.Len() == 0 {
					assert.Equal(t, uint64(total), last)
					return
				}
			default:
			}
			continue
		}
		assert.Greater(t, f.Seq, last, "frames out of order")
		last = f.Seq
		f.Release()
	}
}

// TestCaptureQueueDrain は残りのフレームが全てプールへ戻ることをテストする
func TestCaptureQueueDrain(t *testing.T) {
	pool, allocs := newTestPool(t, 4, 16)
	q := NewCaptureQueue(MaxQueueDepth)

	q.Push(frameWithSeq(t, pool, 1))
	q.Push(frameWithSeq(t, pool, 2))
	q.Drain()

	assert.Equal(t, 0, q.Len())
	pool.close()
	assert.Equal(t, int64(0), allocs.Load())
}
