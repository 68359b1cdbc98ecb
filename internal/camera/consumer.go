package camera

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// consume はキューからフレームを取り出してスロットへ公開するループ
func (s *Session) consume(ctx context.Context, w *worker) {
	log := w.log.WithField("function", "consume")
	var once sync.Once
	var count uint64

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		f := w.queue.Pop(s.timing.WaitTimeout)
		if f == nil {
			continue
		}

		s.slot.publish(f)
		f.Release()

		s.stats.published.Add(1)
		once.Do(func() { close(w.first) })

		count++
		if count%runningRefreshFrames == 0 {
			// 他セッションの再起動で状態表が初期化されていても戻す
			s.registry.SetState(w.cfg.DeviceID, DeviceRunning)
			if w.cfg.Verbose > 0 {
				log.WithFields(logrus.Fields{
					"status": "RUN",
					"frames": count,
				}).Info("キャプチャ動作中")
			}
		}
	}
}
