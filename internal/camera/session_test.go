package camera

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRig struct {
	rig      *SimulatedRig
	clock    *ManualClock
	registry *DeviceRegistry
}

func testTiming() Timing {
	return Timing{
		WaitTimeout:        100 * time.Millisecond,
		FreezeTimeout:      2 * time.Second,
		StartupTimeout:     2 * time.Second,
		PollInterval:       time.Millisecond,
		ControllerInterval: 2 * time.Millisecond,
		RebootSettle:       0,
	}
}

func newTestRig(t *testing.T, sensors ...int) *testRig {
	t.Helper()
	clock := NewManualClock(time.Unix(1700000000, 0))
	rig := NewSimulatedRig(clock)
	for _, id := range sensors {
		s := rig.AddSensor(id, "ZED X One")
		s.SetFrameInterval(2 * time.Millisecond)
	}
	return &testRig{rig: rig, clock: clock, registry: NewDeviceRegistry(rig.NewProvider)}
}

func (r *testRig) session(t *testing.T, timing Timing) *Session {
	t.Helper()
	s := NewSession(r.registry, WithClock(r.clock), WithTiming(timing))
	t.Cleanup(s.Close)
	return s
}

func svga(id int) CaptureConfig {
	return CaptureConfig{DeviceID: id, Width: 960, Height: 600, FPS: 60, Channels: 4}
}

// assertReleased はセッションが全ての資源を手放したことを確認する
func assertReleased(t *testing.T, r *testRig, s *Session, id int) {
	t.Helper()
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, int64(0), s.FrameAllocations(), "frame buffers still allocated")
	assert.Equal(t, 0, r.registry.Refs())
	assert.Equal(t, DeviceOff, r.registry.State(id))
	assert.False(t, r.rig.Sensor(id).Active(), "device left open")
}

// TestSessionOpenClose はオープンからクローズまでの基本動作をテストする
func TestSessionOpenClose(t *testing.T) {
	r := newTestRig(t, 0)
	s := r.session(t, testTiming())

	require.NoError(t, s.Open(svga(0)))
	assert.Equal(t, StateRunning, s.State())
	assert.Equal(t, DeviceRunning, r.registry.State(0))
	assert.Equal(t, 960, s.Width())
	assert.Equal(t, 600, s.Height())
	assert.Equal(t, 60, s.FPS())
	assert.Equal(t, 4, s.NumberOfChannels())
	assert.NotEmpty(t, s.Generation())
	assert.Equal(t, int64(MaxQueueDepth+frameHeadroom), s.FrameAllocations())

	// Open直後には最初のフレームが公開済み
	assert.True(t, s.IsNewFrame())
	s.EnterCriticalSection()
	pix := s.Pixels()
	s.ExitCriticalSection()
	assert.Len(t, pix, 960*600*4)

	s.Close()
	assertReleased(t, r, s, 0)

	// 2回目のCloseは何もしない
	s.Close()
	assert.Equal(t, StateClosed, s.State())
}

// TestSessionOpenErrors はOpenのエラー分類をテストする
func TestSessionOpenErrors(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(r *testRig)
		cfg     CaptureConfig
		timing  func(t Timing) Timing
		want    error
	}{
		{
			name: "チャンネル数が不正",
			cfg:  CaptureConfig{DeviceID: 0, Width: 960, Height: 600, FPS: 30, Channels: 2},
			want: ErrInvalidConfiguration,
		},
		{
			name: "センサーモードにない解像度",
			cfg:  CaptureConfig{DeviceID: 0, Width: 1280, Height: 720, FPS: 30, Channels: 3},
			want: ErrInvalidConfiguration,
		},
		{
			name: "4Kは15fpsのみ",
			cfg:  CaptureConfig{DeviceID: 0, Width: 3856, Height: 2180, FPS: 30, Channels: 3},
			want: ErrInvalidConfiguration,
		},
		{
			name: "存在しないデバイス",
			cfg:  svga(5),
			want: ErrDeviceUnavailable,
		},
		{
			name:    "抜かれたデバイス",
			prepare: func(r *testRig) { r.rig.Sensor(0).Unplug() },
			cfg:     svga(0),
			want:    ErrDeviceUnavailable,
		},
		{
			name:    "オープン失敗",
			prepare: func(r *testRig) { r.rig.Sensor(0).FailOpens(1) },
			cfg:     svga(0),
			want:    ErrDeviceUnavailable,
		},
		{
			name:    "ストリーム開始失敗",
			prepare: func(r *testRig) { r.rig.Sensor(0).FailStarts(1) },
			cfg:     svga(0),
			want:    ErrDeviceUnavailable,
		},
		{
			name:    "プロバイダー作成失敗",
			prepare: func(r *testRig) { r.rig.FailNextProvider(errors.New("no daemon")) },
			cfg:     svga(0),
			want:    ErrDeviceUnavailable,
		},
		{
			name:    "最初のフレームが来ない",
			prepare: func(r *testRig) { r.rig.Sensor(0).Hang() },
			cfg:     svga(0),
			timing: func(t Timing) Timing {
				t.StartupTimeout = 200 * time.Millisecond
				return t
			},
			want: ErrStartupTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRig(t, 0)
			if tt.prepare != nil {
				tt.prepare(r)
			}
			timing := testTiming()
			if tt.timing != nil {
				timing = tt.timing(timing)
			}
			s := r.session(t, timing)

			err := s.Open(tt.cfg)
			assert.ErrorIs(t, err, tt.want)
			assertReleased(t, r, s, 0)
		})
	}
}

// TestSessionAlreadyOpen は2重オープンをテストする
func TestSessionAlreadyOpen(t *testing.T) {
	r := newTestRig(t, 0)
	s := r.session(t, testTiming())

	require.NoError(t, s.Open(svga(0)))
	assert.ErrorIs(t, s.Open(svga(0)), ErrAlreadyOpen)
	assert.Equal(t, StateRunning, s.State())
	assert.Equal(t, 1, r.registry.Refs())
}

// TestSessionReopen はクローズ後に再びオープンできることをテストする
func TestSessionReopen(t *testing.T) {
	r := newTestRig(t, 0)
	s := r.session(t, testTiming())

	require.NoError(t, s.Open(svga(0)))
	first := s.Generation()
	s.Close()

	require.NoError(t, s.Open(svga(0)))
	assert.NotEqual(t, first, s.Generation())
	assert.Equal(t, 2, r.rig.Sensor(0).Opens())
}

// TestSessionFreezeReboot はタイムアウトが21回続くと1回だけ再起動することをテストする
func TestSessionFreezeReboot(t *testing.T) {
	r := newTestRig(t, 0)
	s := r.session(t, testTiming())
	sensor := r.rig.Sensor(0)

	cfg := svga(0)
	cfg.SwapRB = true
	require.NoError(t, s.Open(cfg))
	firstGen := s.Generation()

	sensor.InjectTimeouts(21)

	require.Eventually(t, func() bool {
		return s.Stats().Reboots == 1 && s.State() == StateRunning
	}, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, sensor.Opens())
	assert.Equal(t, 2, r.rig.ProvidersCreated())
	assert.Equal(t, cfg, s.Config(), "reboot must reuse the original configuration")
	assert.NotEqual(t, firstGen, s.Generation())
	assert.Equal(t, DeviceRunning, r.registry.State(0))
	assert.Equal(t, 1, r.registry.Refs())

	// 復旧後は再び再起動しない
	delivered := sensor.Delivered()
	require.Eventually(t, func() bool { return sensor.Delivered() > delivered+20 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), s.Stats().Reboots)
	assert.Equal(t, 2, sensor.Opens())
}

// TestSessionNoFreezeBelowThreshold はタイムアウト20回では再起動しないことをテストする
func TestSessionNoFreezeBelowThreshold(t *testing.T) {
	r := newTestRig(t, 0)
	s := r.session(t, testTiming())
	sensor := r.rig.Sensor(0)

	require.NoError(t, s.Open(svga(0)))
	sensor.InjectTimeouts(20)

	require.Eventually(t, func() bool { return sensor.PendingTimeouts() == 0 }, time.Second, time.Millisecond)
	delivered := sensor.Delivered()
	require.Eventually(t, func() bool { return sensor.Delivered() > delivered+20 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, uint64(0), s.Stats().Reboots)
	assert.Equal(t, uint64(20), s.Stats().Timeouts)
	assert.Equal(t, 1, sensor.Opens())
	assert.Equal(t, StateRunning, s.State())
}

// TestSessionRebootFailure は再起動に失敗するとClosedで止まることをテストする
func TestSessionRebootFailure(t *testing.T) {
	r := newTestRig(t, 0)
	s := r.session(t, testTiming())
	sensor := r.rig.Sensor(0)

	require.NoError(t, s.Open(svga(0)))
	sensor.FailOpens(1)
	sensor.InjectDisconnect()

	require.Eventually(t, func() bool { return s.State() == StateClosed }, 3*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, s.Err(), ErrRebootFailed)
	assert.ErrorIs(t, s.Err(), ErrDeviceUnavailable)
	assertReleased(t, r, s, 0)

	// 再試行しない
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sensor.Opens())

	// 終端状態からでも明示的に開き直せる
	s.Close()
	require.NoError(t, s.Open(svga(0)))
	assert.NoError(t, s.Err())
}

// TestSessionCloseDuringReboot は再起動中のCloseが全ゴルーチンを止めることをテストする
func TestSessionCloseDuringReboot(t *testing.T) {
	r := newTestRig(t, 0)
	timing := testTiming()
	timing.RebootSettle = 500 * time.Millisecond
	s := r.session(t, timing)

	require.NoError(t, s.Open(svga(0)))
	r.rig.Sensor(0).InjectDisconnect()

	require.Eventually(t, func() bool { return s.State() == StateFrozen }, time.Second, time.Millisecond)

	start := time.Now()
	s.Close()
	assert.Less(t, time.Since(start), 400*time.Millisecond, "Close must not wait for the reboot to finish")
	assertReleased(t, r, s, 0)
	assert.NoError(t, s.Err())
}

// controllerStopped はlifeのコントローラーが終了済みかを返す
func controllerStopped(life *lifetime) bool {
	select {
	case <-life.done:
		return true
	default:
		return false
	}
}

func currentLifetime(s *Session) *lifetime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.life
}

// TestSessionCloseDuringOpen はプロバイダー作成で止まっているOpenとCloseが重なっても
// ヘルスコントローラーが残らないことをテストする
func TestSessionCloseDuringOpen(t *testing.T) {
	r := newTestRig(t, 0)
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	r.registry = NewDeviceRegistry(func() (Provider, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
		return r.rig.NewProvider()
	})
	s := r.session(t, testTiming())

	opened := make(chan error, 1)
	go func() { opened <- s.Open(svga(0)) }()
	<-entered

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	// CloseがlifeMuを待つところまで進める
	time.Sleep(20 * time.Millisecond)
	close(gate)

	select {
	case err := <-opened:
		if err != nil {
			assert.ErrorIs(t, err, ErrSessionClosing)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Open did not return")
	}
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not return")
	}

	assertReleased(t, r, s, 0)
	first := currentLifetime(s)
	require.NotNil(t, first)
	assert.True(t, controllerStopped(first), "health controller still running after Close")

	// 開き直しても前の世代のコントローラーは残らない
	require.NoError(t, s.Open(svga(0)))
	second := currentLifetime(s)
	require.NotSame(t, first, second)
	assert.False(t, controllerStopped(second))

	s.Close()
	assertReleased(t, r, s, 0)
	assert.True(t, controllerStopped(second), "health controller still running after Close")
}

// TestSessionStaleRebootIgnored は終了済みの世代からのrebootが新しい世代に触れないことをテストする
func TestSessionStaleRebootIgnored(t *testing.T) {
	r := newTestRig(t, 0)
	s := r.session(t, testTiming())

	require.NoError(t, s.Open(svga(0)))
	stale := currentLifetime(s)
	s.Close()
	require.NoError(t, s.Open(svga(0)))
	gen := s.Generation()

	s.setState(StateFrozen)
	assert.ErrorIs(t, s.reboot(stale), ErrSessionClosing)
	s.setState(StateRunning)
	assert.Equal(t, gen, s.Generation())
	assert.Equal(t, uint64(0), s.Stats().Reboots)
}

// TestSessionConvertFailure は変換失敗が1フレームだけで済むことをテストする
func TestSessionConvertFailure(t *testing.T) {
	r := newTestRig(t, 0)
	s := r.session(t, testTiming())
	sensor := r.rig.Sensor(0)

	require.NoError(t, s.Open(svga(0)))
	sensor.InjectConvertFailures(3)

	require.Eventually(t, func() bool { return s.Stats().ConvertFailures == 3 }, time.Second, time.Millisecond)
	published := s.Stats().FramesPublished
	require.Eventually(t, func() bool { return s.Stats().FramesPublished > published+5 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(0), s.Stats().Reboots)
}

// TestSessionOutputBuffer は外部バッファへの書き込みをテストする
func TestSessionOutputBuffer(t *testing.T) {
	r := newTestRig(t, 0)
	s := r.session(t, testTiming())

	assert.ErrorIs(t, s.SetOutputBuffer(make([]byte, 16)), ErrNotOpen)

	cfg := svga(0)
	cfg.Channels = 3
	require.NoError(t, s.Open(cfg))
	assert.ErrorIs(t, s.SetOutputBuffer(make([]byte, 16)), ErrInvalidConfiguration)

	buf := make([]byte, cfg.FrameSize())
	require.NoError(t, s.SetOutputBuffer(buf))

	require.Eventually(t, func() bool {
		s.EnterCriticalSection()
		defer s.ExitCriticalSection()
		pix := s.Pixels()
		return &pix[0] == &buf[0] && buf[0] != 0
	}, time.Second, time.Millisecond)

	_, err := s.CopyPixels(make([]byte, cfg.FrameSize()-1))
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
	assert.Contains(t, err.Error(), "バイト")
}

// TestSessionControls は制御のパススルーとデフォルトのISP設定をテストする
func TestSessionControls(t *testing.T) {
	r := newTestRig(t, 0)
	s := r.session(t, testTiming())

	_, err := s.Control(CtrlGain)
	assert.ErrorIs(t, err, ErrNotOpen)

	require.NoError(t, s.Open(svga(0)))

	// オープン時に適用されるISP設定
	v, err := s.Control(CtrlDenoise)
	require.NoError(t, err)
	assert.Equal(t, 0.5, v)
	v, err = s.Control(CtrlSharpness)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)
	v, err = s.Control(CtrlAntiBanding)
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)

	require.NoError(t, s.SetControl(CtrlSaturation, 6))
	v, err = s.Control(CtrlSaturation)
	require.NoError(t, err)
	assert.Equal(t, 6.0, v)

	// 露光時間の百分率指定
	require.NoError(t, s.SetManualExposure(50))
	p, err := s.ExposurePercent()
	require.NoError(t, err)
	assert.InDelta(t, 50, p, 0.01)
	auto, err := s.Control(CtrlAutoExposure)
	require.NoError(t, err)
	assert.Equal(t, 0.0, auto)

	assert.ErrorIs(t, s.SetManualGain(120), ErrInvalidConfiguration)
	require.NoError(t, s.SetGainRange(0, 10))
	require.NoError(t, s.SetExposureRange(100, 0))
	assert.ErrorIs(t, s.SetExposureRange(70000, 80000), ErrInvalidConfiguration)

	_, err = s.ControlLimits(CtrlHue)
	assert.ErrorIs(t, err, ErrUnsupported)
}

// TestExampleScenario は1920x1200 RGBA 30fpsでのフレーム取得と切断からの自動復旧をテストする
func TestExampleScenario(t *testing.T) {
	clock := NewManualClock(time.Unix(1700000000, 0))
	rig := NewSimulatedRig(clock)
	sensor := rig.AddSensor(0, "ZED X One GS")
	registry := NewDeviceRegistry(rig.NewProvider)
	s := NewSession(registry, WithClock(clock), WithTiming(testTiming()))
	defer s.Close()

	cfg := CaptureConfig{DeviceID: 0, Width: 1920, Height: 1200, FPS: 30, Channels: 4}
	require.NoError(t, s.Open(cfg))

	buf := make([]byte, cfg.FrameSize())
	readFrames := func(n int, after uint64) uint64 {
		t.Helper()
		last := after
		deadline := time.Now().Add(3 * time.Second)
		for got := 0; got < n; {
			require.True(t, time.Now().Before(deadline), "timed out waiting for frames")
			if !s.IsNewFrame() {
				time.Sleep(time.Millisecond)
				continue
			}
			meta, err := s.CopyPixels(buf)
			require.NoError(t, err)
			first := buf[0]
			require.True(t, buf[len(buf)-1] == first && buf[len(buf)/2] == first, "torn frame")
			require.Greater(t, meta.TimestampUs, last, "timestamps must increase")
			last = meta.TimestampUs
			got++
		}
		return last
	}

	last := readFrames(5, 0)

	sensor.InjectDisconnect()
	require.Eventually(t, func() bool {
		return s.Stats().Reboots == 1 && s.State() == StateRunning
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, cfg, s.Config())

	readFrames(3, last)

	s.Close()
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, int64(0), s.FrameAllocations())
	assert.Equal(t, 0, registry.Refs())
}
