package camera

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// freezeMonitor はプロデューサーが更新し、コントローラーが読むフリーズ判定状態
type freezeMonitor struct {
	mu        sync.Mutex
	clock     Clock
	timeout   time.Duration
	registry  *DeviceRegistry
	running   bool
	lastGood  time.Time
	failures  int
	candidate bool
	signal    chan struct{}
}

func newFreezeMonitor(clock Clock, timeout time.Duration, registry *DeviceRegistry) *freezeMonitor {
	return &freezeMonitor{
		clock:    clock,
		timeout:  timeout,
		registry: registry,
		signal:   make(chan struct{}, 1),
	}
}

// reset は新しい世代のオープン前に呼ぶ
func (m *freezeMonitor) reset() {
	m.mu.Lock()
	m.running = false
	m.failures = 0
	m.candidate = false
	m.lastGood = time.Time{}
	m.mu.Unlock()
}

// frameArrived は正常なフレームを記録し、失敗の連続をリセットする
func (m *freezeMonitor) frameArrived() {
	m.mu.Lock()
	m.running = true
	m.lastGood = m.clock.Now()
	m.failures = 0
	m.mu.Unlock()
}

// waitTimedOut はタイムアウトを記録し、フリーズ時間を超えたら候補を立てる
// 最初のフレームを受け取る前と、他のデバイスがオープン中の間は判定しない
func (m *freezeMonitor) waitTimedOut() (raised bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failures++
	if !m.running || m.candidate {
		return false
	}
	if m.clock.Since(m.lastGood) <= m.timeout {
		return false
	}
	if m.registry.AnyOpening() {
		return false
	}
	m.raiseLocked()
	return true
}

// linkLost は切断などで即座に候補を立てる
func (m *freezeMonitor) linkLost() (raised bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failures++
	if !m.running || m.candidate || m.registry.AnyOpening() {
		return false
	}
	m.raiseLocked()
	return true
}

func (m *freezeMonitor) raiseLocked() {
	m.candidate = true
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *freezeMonitor) isCandidate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.candidate
}

func (m *freezeMonitor) clear() {
	m.mu.Lock()
	m.candidate = false
	m.mu.Unlock()
}

// consecutiveFailures は最後の正常フレーム以降の失敗回数を返す
func (m *freezeMonitor) consecutiveFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// control はヘルスコントローラーのループ
// 再起動をまたいで動き続け、rebootを呼ぶのはこのゴルーチンだけ
func (s *Session) control(life *lifetime) {
	defer close(life.done)

	ticker := time.NewTicker(s.timing.ControllerInterval)
	defer ticker.Stop()

	log := s.log.WithField("function", "control")

	for {
		select {
		case <-life.quit:
			return
		case <-ticker.C:
		case <-s.monitor.signal:
		}

		if !s.monitor.isCandidate() {
			continue
		}
		// 他のセッションが再起動中なら順番を待つ
		if s.registry.AnyFrozen() {
			continue
		}

		id := s.Config().DeviceID
		log.WithFields(logrus.Fields{
			"failures": s.monitor.consecutiveFailures(),
		}).Warn("フリーズを検出しました。再起動します")

		s.registry.SetState(id, DeviceFrozen)
		s.setState(StateFrozen)

		err := s.reboot(life)
		s.monitor.clear()

		switch {
		case err == nil:
			continue
		case errors.Is(err, ErrSessionClosing):
			return
		default:
			log.WithError(err).Error("再起動に失敗しました。セッションを終了します")
			return
		}
	}
}

// reboot はワーカーとデバイスを止め、プロバイダーを作り直してから元の設定で開き直す
// 失敗した場合はClosedになり ErrRebootFailed を返す
// lifeが終了済みなら何もせず ErrSessionClosing を返す
func (s *Session) reboot(life *lifetime) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if life.stopped() {
		return ErrSessionClosing
	}
	if s.State() != StateFrozen {
		return nil
	}

	cfg := s.Config()
	log := s.log.WithFields(logrus.Fields{"function": "reboot", "device": cfg.DeviceID})
	log.Info("キャプチャを再起動しています")

	s.teardownLocked()

	if !s.pause(s.timing.RebootSettle, life) {
		return ErrSessionClosing
	}
	s.registry.Teardown()
	s.registry.SetState(cfg.DeviceID, DeviceFrozen)
	if !s.pause(s.timing.RebootSettle, life) {
		return ErrSessionClosing
	}

	s.setState(StateOpening)
	if err := s.openLocked(cfg, life); err != nil {
		if errors.Is(err, ErrSessionClosing) {
			return err
		}
		s.abandonLocked()
		failure := errors.Join(ErrRebootFailed, err)
		s.setErr(failure)
		return failure
	}

	s.stats.reboots.Add(1)
	log.WithField("generation", s.Generation()).Info("再起動が完了しました")
	return nil
}

// pause はdだけ待つ。Closeが呼ばれた場合はfalseを返す
func (s *Session) pause(d time.Duration, life *lifetime) bool {
	if d <= 0 {
		return !life.stopped()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-life.quit:
		return false
	}
}
