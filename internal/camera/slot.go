package camera

import (
	"fmt"
	"sync"
)

// FrameSlot はコンシューマーが公開する最新フレーム
// 書き込みはコンシューマーのみ。読み手はEnter/Exitの間でPixelsを読む
type FrameSlot struct {
	mu    sync.Mutex
	own   []byte
	ext   []byte
	size  int
	isNew bool
	meta  FrameMetadata
	seq   uint64
}

// allocate はsizeバイトの内部バッファを用意する。同じサイズなら再利用する
func (s *FrameSlot) allocate(size int) error {
	if size <= 0 {
		return fmt.Errorf("%w: スロットサイズが不正です: %d", ErrAllocationFailed, size)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size != size {
		s.own = make([]byte, size)
		s.size = size
		if s.ext != nil && len(s.ext) != size {
			s.ext = nil
		}
	}
	s.isNew = false
	return nil
}

// free はバッファを手放す
func (s *FrameSlot) free() {
	s.mu.Lock()
	s.own = nil
	s.ext = nil
	s.size = 0
	s.isNew = false
	s.meta = FrameMetadata{}
	s.seq = 0
	s.mu.Unlock()
}

// setExternal は書き込み先を呼び出し側のバッファに切り替える。nilで内部バッファに戻す
func (s *FrameSlot) setExternal(buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if buf != nil && len(buf) != s.size {
		return fmt.Errorf("%w: 外部バッファが %d バイトです (フレームは %d バイト)", ErrInvalidConfiguration, len(buf), s.size)
	}
	s.ext = buf
	return nil
}

func (s *FrameSlot) target() []byte {
	if s.ext != nil {
		return s.ext
	}
	return s.own
}

// publish はフレーム全体をロック内でコピーする
func (s *FrameSlot) publish(f *RawFrame) {
	s.mu.Lock()
	copy(s.target(), f.pix)
	s.meta = f.FrameMetadata
	s.seq = f.Seq
	s.isNew = true
	s.mu.Unlock()
}

// Enter はクリティカルセクションに入る
func (s *FrameSlot) Enter() { s.mu.Lock() }

// Exit はクリティカルセクションを出る
func (s *FrameSlot) Exit() { s.mu.Unlock() }

// Pixels は公開中のバッファを返し、新フレームフラグを下ろす
// Enter と Exit の間でのみ有効
func (s *FrameSlot) Pixels() []byte {
	s.isNew = false
	return s.target()
}

// IsNew は前回のPixels以降に新しいフレームが公開されたかを返す
func (s *FrameSlot) IsNew() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isNew
}

// Metadata は公開中フレームのメタデータを返す
func (s *FrameSlot) Metadata() FrameMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}
