package camera

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFrameSlotNoTornReads はクリティカルセクション内では常に1枚分のフレームが見えることをテストする
func TestFrameSlotNoTornReads(t *testing.T) {
	const size = 64 * 1024
	var allocs atomic.Int64
	pool, err := newFramePool(2, size, &allocs)
	require.NoError(t, err)

	var slot FrameSlot
	require.NoError(t, slot.allocate(size))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for seq := uint64(1); ; seq++ {
			select {
			case <-stop:
				return
			default:
			}
			f := pool.get()
			b := byte(seq)
			for i := range f.pix {
				f.pix[i] = b
			}
			f.Seq = seq
			slot.publish(f)
			f.Release()
		}
	}()

	var torn atomic.Int32
	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for n := 0; n < 300; n++ {
				slot.Enter()
				pix := slot.Pixels()
				first := pix[0]
				for _, v := range pix {
					if v != first {
						torn.Add(1)
						break
					}
				}
				slot.Exit()
			}
		}()
	}
	readers.Wait()
	close(stop)
	wg.Wait()

	assert.Zero(t, torn.Load(), "reader observed a partially written frame")
}

// TestFrameSlotNewFlag はPixelsで新フレームフラグが下りることをテストする
func TestFrameSlotNewFlag(t *testing.T) {
	var allocs atomic.Int64
	pool, err := newFramePool(1, 4, &allocs)
	require.NoError(t, err)

	var slot FrameSlot
	require.NoError(t, slot.allocate(4))
	assert.False(t, slot.IsNew())

	f := pool.get()
	f.TimestampUs = 42
	slot.publish(f)
	f.Release()

	assert.True(t, slot.IsNew())
	slot.Enter()
	_ = slot.Pixels()
	slot.Exit()
	assert.False(t, slot.IsNew())
	assert.Equal(t, uint64(42), slot.Metadata().TimestampUs)
}

// TestFrameSlotExternalBuffer は外部バッファへの切り替えをテストする
func TestFrameSlotExternalBuffer(t *testing.T) {
	var allocs atomic.Int64
	pool, err := newFramePool(1, 4, &allocs)
	require.NoError(t, err)

	var slot FrameSlot
	require.NoError(t, slot.allocate(4))

	assert.ErrorIs(t, slot.setExternal(make([]byte, 3)), ErrInvalidConfiguration)

	ext := make([]byte, 4)
	require.NoError(t, slot.setExternal(ext))

	f := pool.get()
	copy(f.pix, []byte{1, 2, 3, 4})
	slot.publish(f)
	f.Release()
	assert.Equal(t, []byte{1, 2, 3, 4}, ext)

	require.NoError(t, slot.setExternal(nil))
	slot.free()
	slot.Enter()
	assert.Nil(t, slot.Pixels())
	slot.Exit()
}
