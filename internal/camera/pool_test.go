package camera

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFramePoolAccounting は確保数のカウンターが解放で0に戻ることをテストする
func TestFramePoolAccounting(t *testing.T) {
	var allocs atomic.Int64
	p, err := newFramePool(4, 32, &allocs)
	require.NoError(t, err)
	assert.Equal(t, int64(4), allocs.Load())

	var frames []*RawFrame
	for f := p.get(); f != nil; f = p.get() {
		assert.Len(t, f.Pixels(), 32)
		frames = append(frames, f)
	}
	assert.Len(t, frames, 4)
	assert.Nil(t, p.get(), "empty pool must not allocate")

	// 1枚貸し出したまま閉じると、その分がカウンターに残る
	for _, f := range frames[1:] {
		f.Release()
	}
	p.close()
	assert.Equal(t, int64(1), allocs.Load())
}

// TestFramePoolInvalid は不正なサイズでAllocationFailedになることをテストする
func TestFramePoolInvalid(t *testing.T) {
	var allocs atomic.Int64
	_, err := newFramePool(0, 32, &allocs)
	assert.ErrorIs(t, err, ErrAllocationFailed)

	_, err = newFramePool(4, 0, &allocs)
	assert.ErrorIs(t, err, ErrAllocationFailed)
	assert.Equal(t, int64(0), allocs.Load())
}
