package camera

import (
	"sync"
	"time"
)

// Clock はフリーズ判定に使う時刻の取得元
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// SystemClock はシステム時刻を使うClock
type SystemClock struct{}

func (SystemClock) Now() time.Time                  { return time.Now() }
func (SystemClock) Since(t time.Time) time.Duration { return time.Since(t) }

// ManualClock は明示的に進めるまで止まっているClock
// シミュレーターとテストで使う
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock は指定時刻から始まるManualClockを作成する
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Advance は時刻をdだけ進める
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
