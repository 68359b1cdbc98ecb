package camera

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// worker はある世代のプロデューサーとコンシューマーが共有する資源
// 再起動ごとに作り直す
type worker struct {
	cfg     CaptureConfig
	dev     Device
	queue   *CaptureQueue
	pool    *framePool
	first   chan struct{}
	log     *logrus.Entry
	verbose bool
}

// produce はドライバーからフレームを受け取りキューへ積むループ
// ドライバーのフレームに触るのはこのゴルーチンだけで、スロットには触らない
func (s *Session) produce(ctx context.Context, w *worker) {
	log := w.log.WithField("function", "produce")
	var seq uint64

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		h, err := w.dev.WaitFrame(s.timing.WaitTimeout)
		switch {
		case err == nil:
			seq++
			s.takeFrame(w, h, seq, log)

		case errors.Is(err, ErrWaitTimeout):
			s.stats.timeouts.Add(1)
			if s.monitor.waitTimedOut() {
				log.WithField("failures", s.monitor.consecutiveFailures()).Warn("フレームが途絶えました")
			} else if w.verbose {
				log.Debug("フレーム待ちがタイムアウトしました")
			}

		case isLinkLoss(err):
			s.stats.disconnects.Add(1)
			if s.monitor.linkLost() {
				log.WithError(err).Warn("デバイスとの接続が失われました")
			}

		default:
			s.stats.timeouts.Add(1)
			log.WithError(err).Warn("フレームの取得に失敗")
			s.monitor.waitTimedOut()
		}

		if !sleepCtx(ctx, s.timing.PollInterval) {
			return
		}
	}
}

// takeFrame はドライバーのフレームをプールのバッファへコピーしてキューへ積む
func (s *Session) takeFrame(w *worker, h FrameHandle, seq uint64, log *logrus.Entry) {
	defer h.Release()

	f := w.pool.get()
	if f == nil {
		// コンシューマーが遅れていてバッファが全て貸し出し中
		s.stats.skipped.Add(1)
		if w.verbose {
			log.WithField("seq", seq).Debug("空きバッファがないためフレームを捨てます")
		}
		return
	}

	if err := h.CopyTo(f.pix); err != nil {
		f.Release()
		s.stats.convertFailures.Add(1)
		log.WithError(errors.Join(ErrConvertFailure, err)).Warn("フレームの変換に失敗")
		return
	}
	f.FrameMetadata = h.Metadata()
	f.Seq = seq

	if w.queue.Push(f) {
		s.stats.dropped.Add(1)
	}
	s.stats.captured.Add(1)
	s.monitor.frameArrived()

	if w.verbose {
		log.WithFields(logrus.Fields{
			"seq":          seq,
			"timestamp_us": f.TimestampUs,
			"exposure_us":  f.ExposureUs,
		}).Debug("フレームを取得しました")
	}
}

// sleepCtx はdだけ待つ。ctxがキャンセルされたらfalseを返す
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
