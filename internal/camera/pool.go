package camera

import (
	"fmt"
	"sync/atomic"
)

// RawFrame はプールから借りたピクセルバッファとメタデータ
// 所有権はドライバー → プロデューサー → キュー → コンシューマー の順に移り、最後にReleaseでプールへ戻る
type RawFrame struct {
	FrameMetadata
	Seq uint64

	pix  []byte
	pool *framePool
}

// Pixels はフレームのピクセルデータを返す
func (f *RawFrame) Pixels() []byte {
	return f.pix
}

// Release はフレームをプールへ返す
func (f *RawFrame) Release() {
	if f == nil || f.pool == nil {
		return
	}
	f.FrameMetadata = FrameMetadata{}
	f.Seq = 0
	f.pool.put(f)
}

// framePool はオープン時に確保する固定数のフレームバッファ
type framePool struct {
	free      chan *RawFrame
	size      int
	allocated *atomic.Int64
}

// newFramePool はframeSizeバイトのバッファをcount個確保する
// allocatedはセッションが保持するカウンターで、確保時に増え、close時に減る
func newFramePool(count, frameSize int, allocated *atomic.Int64) (p *framePool, err error) {
	if count <= 0 || frameSize <= 0 {
		return nil, fmt.Errorf("%w: 個数=%d サイズ=%d", ErrAllocationFailed, count, frameSize)
	}

	defer func() {
		if r := recover(); r != nil {
			p = nil
			err = fmt.Errorf("%w: %v", ErrAllocationFailed, r)
		}
	}()

	p = &framePool{
		free:      make(chan *RawFrame, count),
		size:      frameSize,
		allocated: allocated,
	}
	for i := 0; i < count; i++ {
		p.free <- &RawFrame{pix: make([]byte, frameSize), pool: p}
		allocated.Add(1)
	}
	return p, nil
}

// get は空きバッファを取り出す。空きがなければnilを返す
func (p *framePool) get() *RawFrame {
	select {
	case f := <-p.free:
		return f
	default:
		return nil
	}
}

func (p *framePool) put(f *RawFrame) {
	select {
	case p.free <- f:
	default:
		// 自分のプール以外のフレームが返された
		panic("camera: frame returned to a full pool")
	}
}

// close は返却済みのバッファを解放する
// 貸し出し中のバッファはカウンターに残る
func (p *framePool) close() {
	for {
		select {
		case f := <-p.free:
			f.pix = nil
			f.pool = nil
			p.allocated.Add(-1)
		default:
			return
		}
	}
}
