package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Session は1台のセンサーからの連続キャプチャ
//
// オープンするとプロデューサー・コンシューマー・ヘルスコントローラーの3つのゴルーチンが動く。
// 呼び出し側はEnterCriticalSection/ExitCriticalSectionの間でPixelsを読む。
type Session struct {
	registry *DeviceRegistry
	clock    Clock
	timing   Timing
	log      *logrus.Entry

	// lifeMu はOpen・Close・rebootを直列化する
	lifeMu sync.Mutex

	state atomic.Int32

	mu         sync.Mutex // cfg, generation, err, life を保護
	cfg        CaptureConfig
	generation string
	err        error
	life       *lifetime

	// lifeMu で保護
	acquired bool
	dev      Device
	queue    *CaptureQueue
	pool     *framePool
	cancel   context.CancelFunc
	producer sync.WaitGroup
	consumer sync.WaitGroup

	slot        FrameSlot
	monitor     *freezeMonitor
	stats       sessionStats
	frameAllocs atomic.Int64
}

// lifetime は1回のOpenに対応する終了要求
// Closeはquitを閉じ、コントローラーは終了時にdoneを閉じる
type lifetime struct {
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func newLifetime() *lifetime {
	return &lifetime{
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (l *lifetime) stop() {
	l.once.Do(func() { close(l.quit) })
}

func (l *lifetime) stopped() bool {
	select {
	case <-l.quit:
		return true
	default:
		return false
	}
}

// Option はSessionの設定を変更する
type Option func(*Session)

// WithClock はフリーズ判定に使うClockを指定する
func WithClock(c Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithTiming はタイムアウトとポーリング間隔を指定する
func WithTiming(t Timing) Option {
	return func(s *Session) { s.timing = t.withDefaults() }
}

// WithLogger はログの出力先を指定する
func WithLogger(l *logrus.Entry) Option {
	return func(s *Session) { s.log = l }
}

// NewSession はレジストリを共有する新しいSessionを作成する
func NewSession(registry *DeviceRegistry, opts ...Option) *Session {
	s := &Session{
		registry: registry,
		clock:    SystemClock{},
		timing:   DefaultTiming(),
		log:      logrus.WithField("component", "capture"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.monitor = newFreezeMonitor(s.clock, s.timing.FreezeTimeout, registry)
	return s
}

// Open はセンサーを開き、最初のフレームが公開されるまで待つ
func (s *Session) Open(cfg CaptureConfig) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.State() != StateClosed {
		return ErrAlreadyOpen
	}
	if err := validateConfig(cfg); err != nil {
		return err
	}

	if _, err := s.registry.Acquire(); err != nil {
		return err
	}
	s.acquired = true

	life := newLifetime()
	s.mu.Lock()
	s.cfg = cfg
	s.err = nil
	s.life = life
	s.mu.Unlock()

	s.setState(StateOpening)
	if err := s.openLocked(cfg, life); err != nil {
		s.abandonLocked()
		// コントローラーは起動していない
		close(life.done)
		return err
	}

	go s.control(life)

	return nil
}

// openLocked はデバイスを開いてワーカーを起動し、最初のフレームを待つ
// Openとrebootから呼ばれる。失敗時はワーカーとデバイスを片付けて返す
func (s *Session) openLocked(cfg CaptureConfig, life *lifetime) error {
	gen := uuid.New().String()
	log := s.log.WithFields(logrus.Fields{
		"device":  cfg.DeviceID,
		"session": gen,
	})

	provider, err := s.registry.Provider()
	if err != nil {
		return err
	}
	info, err := findDevice(provider, cfg.DeviceID)
	if err != nil {
		return err
	}
	if len(info.Modes) > 0 {
		if _, ok := findSensorMode(info.Modes, cfg.Width, cfg.Height, cfg.FPS); !ok {
			return fmt.Errorf("%w: %dx%d@%d はセンサー %q のモードにありません",
				ErrInvalidConfiguration, cfg.Width, cfg.Height, cfg.FPS, info.Name)
		}
	}

	dev, err := provider.OpenDevice(cfg)
	if err != nil {
		if errors.Is(err, ErrInvalidConfiguration) {
			return err
		}
		return fmt.Errorf("%w: デバイス %d のオープンに失敗: %v", ErrDeviceUnavailable, cfg.DeviceID, err)
	}
	s.dev = dev

	pool, err := newFramePool(MaxQueueDepth+frameHeadroom, cfg.FrameSize(), &s.frameAllocs)
	if err != nil {
		s.teardownLocked()
		return err
	}
	s.pool = pool
	if err := dev.RequestBuffers(MaxQueueDepth + frameHeadroom); err != nil {
		s.teardownLocked()
		return fmt.Errorf("%w: ドライバーバッファの確保に失敗: %v", ErrAllocationFailed, err)
	}
	if err := s.slot.allocate(cfg.FrameSize()); err != nil {
		s.teardownLocked()
		return err
	}
	s.queue = NewCaptureQueue(MaxQueueDepth)

	if err := dev.Start(); err != nil {
		s.teardownLocked()
		return fmt.Errorf("%w: ストリームの開始に失敗: %v", ErrDeviceUnavailable, err)
	}
	s.registry.SetState(cfg.DeviceID, DeviceOpening)
	s.monitor.reset()

	w := &worker{
		cfg:     cfg,
		dev:     dev,
		queue:   s.queue,
		pool:    pool,
		first:   make(chan struct{}),
		log:     log,
		verbose: cfg.Verbose > 3,
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.producer.Add(1)
	go func() {
		defer s.producer.Done()
		s.produce(ctx, w)
	}()
	s.consumer.Add(1)
	go func() {
		defer s.consumer.Done()
		s.consume(ctx, w)
	}()

	timer := time.NewTimer(s.timing.StartupTimeout)
	defer timer.Stop()
	select {
	case <-w.first:
	case <-timer.C:
		s.teardownLocked()
		s.registry.SetState(cfg.DeviceID, DeviceOff)
		return fmt.Errorf("%w: %s", ErrStartupTimeout, s.timing.StartupTimeout)
	case <-life.quit:
		s.teardownLocked()
		return ErrSessionClosing
	}

	s.registry.SetState(cfg.DeviceID, DeviceRunning)
	s.mu.Lock()
	s.generation = gen
	s.mu.Unlock()
	s.setState(StateRunning)

	applyDefaultTuning(dev.Controls(), log)
	log.WithFields(logrus.Fields{
		"width":    cfg.Width,
		"height":   cfg.Height,
		"fps":      cfg.FPS,
		"channels": cfg.Channels,
	}).Info("キャプチャを開始しました")
	return nil
}

// teardownLocked はプロデューサー、コンシューマーの順に止めてから資源を解放する
// 何度呼んでもよい
func (s *Session) teardownLocked() {
	if s.cancel != nil {
		s.cancel()
		s.producer.Wait()
		s.consumer.Wait()
		s.cancel = nil
	}
	if s.queue != nil {
		s.queue.Drain()
		s.queue = nil
	}
	if s.dev != nil {
		if err := s.dev.Stop(); err != nil {
			s.log.WithError(err).Debug("ストリームの停止に失敗")
		}
		if err := s.dev.Close(); err != nil {
			s.log.WithError(err).Debug("デバイスのクローズに失敗")
		}
		s.dev = nil
	}
	if s.pool != nil {
		s.pool.close()
		s.pool = nil
	}
}

// abandonLocked は全資源を解放してClosedにする
func (s *Session) abandonLocked() {
	s.teardownLocked()
	s.slot.free()
	if s.acquired {
		s.registry.SetState(s.Config().DeviceID, DeviceOff)
		s.registry.Release()
		s.acquired = false
	}
	s.setState(StateClosed)
}

// Close はゴルーチンを全て止めて資源を解放する。何度呼んでもよい
//
// 先に現在の世代へ終了を要求して、起動待ちや再起動中の待機を抜けさせる。
// lifeMuを取った後にもう一度要求するのは、待っている間に並行するOpenが
// 新しい世代を始めている場合があるため。
func (s *Session) Close() {
	s.stopLifetime()

	s.lifeMu.Lock()
	life := s.stopLifetime()
	if s.State() != StateClosed {
		s.abandonLocked()
		s.log.WithField("device", s.Config().DeviceID).Info("キャプチャを終了しました")
	}
	s.lifeMu.Unlock()

	if life != nil {
		<-life.done
	}
}

// stopLifetime は現在の世代に終了を要求し、その世代を返す
func (s *Session) stopLifetime() *lifetime {
	s.mu.Lock()
	life := s.life
	s.mu.Unlock()
	if life != nil {
		life.stop()
	}
	return life
}

func (s *Session) setState(st SessionState) {
	s.state.Store(int32(st))
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// State は現在の状態を返す
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Err は再起動失敗などの終端エラーを返す
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Config はオープン時の設定を返す
func (s *Session) Config() CaptureConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Generation は現在のオープン世代のIDを返す。再起動ごとに変わる
func (s *Session) Generation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Stats は累計カウンターを返す
func (s *Session) Stats() Stats {
	return s.stats.snapshot()
}

// FrameAllocations は確保中のフレームバッファ数を返す
func (s *Session) FrameAllocations() int64 {
	return s.frameAllocs.Load()
}

func (s *Session) Width() int            { return s.Config().Width }
func (s *Session) Height() int           { return s.Config().Height }
func (s *Session) FPS() int              { return s.Config().FPS }
func (s *Session) NumberOfChannels() int { return s.Config().Channels }

// IsNewFrame は前回のPixels以降に新しいフレームが公開されたかを返す
func (s *Session) IsNewFrame() bool {
	return s.slot.IsNew()
}

// EnterCriticalSection はスロットをロックする。Pixelsはこの間だけ有効
func (s *Session) EnterCriticalSection() { s.slot.Enter() }

// ExitCriticalSection はスロットのロックを外す
func (s *Session) ExitCriticalSection() { s.slot.Exit() }

// Pixels は最後に公開されたフレームを返し、新フレームフラグを下ろす
// クローズ済みの場合はnil
func (s *Session) Pixels() []byte { return s.slot.Pixels() }

// CopyPixels は最新フレームをdstへコピーし、そのメタデータを返す
func (s *Session) CopyPixels(dst []byte) (FrameMetadata, error) {
	s.slot.Enter()
	defer s.slot.Exit()

	src := s.slot.Pixels()
	if src == nil {
		return FrameMetadata{}, ErrNotOpen
	}
	if len(dst) < len(src) {
		return FrameMetadata{}, fmt.Errorf("%w: バッファが %d バイトしかありません (フレームは %d バイト)", ErrInvalidConfiguration, len(dst), len(src))
	}
	copy(dst, src)
	return s.slot.meta, nil
}

// SetOutputBuffer はコンシューマーの書き込み先を呼び出し側のバッファにする
// 長さは Width*Height*Channels と一致する必要がある。nilで内部バッファに戻す
func (s *Session) SetOutputBuffer(buf []byte) error {
	if s.State() == StateClosed {
		return ErrNotOpen
	}
	return s.slot.setExternal(buf)
}

// ImageTimestampUs は最後に公開されたフレームのタイムスタンプ (µs)
// クリティカルセクションの外で呼ぶこと
func (s *Session) ImageTimestampUs() uint64 {
	return s.slot.Metadata().TimestampUs
}

// FrameExposureUs は最後に公開されたフレームの露光時間 (µs)
func (s *Session) FrameExposureUs() uint64 {
	return s.slot.Metadata().ExposureUs
}

// AnalogFrameGain は最後に公開されたフレームのアナログゲイン
func (s *Session) AnalogFrameGain() float64 {
	return s.slot.Metadata().AnalogGain
}

// DigitalFrameGain は最後に公開されたフレームのデジタルゲイン
func (s *Session) DigitalFrameGain() float64 {
	return s.slot.Metadata().DigitalGain
}

// validateConfig はデバイスに依存しない範囲で設定を検証する
func validateConfig(cfg CaptureConfig) error {
	if cfg.DeviceID < 0 || cfg.DeviceID >= MaxDevices {
		return fmt.Errorf("%w: デバイスID %d は範囲外です", ErrInvalidConfiguration, cfg.DeviceID)
	}
	if cfg.Channels != 3 && cfg.Channels != 4 {
		return fmt.Errorf("%w: チャンネル数は3か4である必要があります: %d", ErrInvalidConfiguration, cfg.Channels)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.FPS <= 0 {
		return fmt.Errorf("%w: 解像度またはフレームレートが不正です: %dx%d@%d", ErrInvalidConfiguration, cfg.Width, cfg.Height, cfg.FPS)
	}
	return nil
}

// findDevice はプロバイダーの列挙結果からIDに一致する利用可能なデバイスを探す
func findDevice(p Provider, id int) (DeviceInfo, error) {
	devices, err := p.Devices()
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("%w: デバイスの列挙に失敗: %v", ErrDeviceUnavailable, err)
	}
	for _, d := range devices {
		if d.ID == id {
			if !d.Available {
				return DeviceInfo{}, fmt.Errorf("%w: デバイス %d は使用中です", ErrDeviceUnavailable, id)
			}
			return d, nil
		}
	}
	return DeviceInfo{}, fmt.Errorf("%w: デバイス %d が見つかりません", ErrDeviceUnavailable, id)
}
