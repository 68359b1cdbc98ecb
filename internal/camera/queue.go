package camera

import (
	"sync/atomic"
	"time"
)

// CaptureQueue はプロデューサーとコンシューマーの間の上限付きFIFO
// 満杯の時は最も古いフレームを捨てて解放してから追加する
type CaptureQueue struct {
	ch      chan *RawFrame
	dropped atomic.Uint64
}

// NewCaptureQueue は深さdepthのキューを作成する
func NewCaptureQueue(depth int) *CaptureQueue {
	if depth <= 0 {
		depth = MaxQueueDepth
	}
	return &CaptureQueue{ch: make(chan *RawFrame, depth)}
}

// Push はフレームを追加する。ブロックしない
// 古いフレームを捨てた場合はtrueを返す
func (q *CaptureQueue) Push(f *RawFrame) (evicted bool) {
	for {
		select {
		case q.ch <- f:
			return evicted
		default:
		}

		select {
		case old := <-q.ch:
			old.Release()
			q.dropped.Add(1)
			evicted = true
		default:
		}
	}
}

// Pop は先頭のフレームを取り出す。timeout内に届かなければnilを返す
func (q *CaptureQueue) Pop(timeout time.Duration) *RawFrame {
	select {
	case f := <-q.ch:
		return f
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-q.ch:
		return f
	case <-timer.C:
		return nil
	}
}

// Len は現在のフレーム数を返す
func (q *CaptureQueue) Len() int {
	return len(q.ch)
}

// Dropped は捨てたフレームの累計を返す
func (q *CaptureQueue) Dropped() uint64 {
	return q.dropped.Load()
}

// Drain は残っているフレームを全て解放する
func (q *CaptureQueue) Drain() {
	for {
		select {
		case f := <-q.ch:
			f.Release()
		default:
			return
		}
	}
}
