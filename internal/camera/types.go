package camera

import (
	"fmt"
	"time"
)

const (
	// MaxQueueDepth はキャプチャキューに保持できるフレーム数の上限
	MaxQueueDepth = 2

	// MaxDevices はDeviceRegistryが管理するデバイス数の上限
	MaxDevices = 8

	// frameHeadroom はキュー以外(プロデューサーとコンシューマーが掴んでいる分)の予備バッファ数
	frameHeadroom = 2

	// runningRefreshFrames はレジストリをRunningに再設定する間隔(フレーム数)
	runningRefreshFrames = 60
)

// SessionState はキャプチャセッションの状態を表す
type SessionState int32

const (
	StateClosed  SessionState = iota // 停止中
	StateOpening                     // オープン処理中
	StateRunning                     // フレーム取得中
	StateFrozen                      // フリーズ検出済み(再起動待ち)
)

func (s SessionState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateRunning:
		return "running"
	case StateFrozen:
		return "frozen"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// DeviceState はレジストリに記録されるデバイス単位の状態
type DeviceState int

const (
	DeviceOff DeviceState = iota
	DeviceOpening
	DeviceRunning
	DeviceFrozen
)

func (s DeviceState) String() string {
	switch s {
	case DeviceOff:
		return "off"
	case DeviceOpening:
		return "opening"
	case DeviceRunning:
		return "running"
	case DeviceFrozen:
		return "frozen"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// CaptureConfig はセッションのオープンに使う設定
// 再起動時はオープン時の値をそのまま再利用する
type CaptureConfig struct {
	DeviceID int  `json:"device_id"` // センサーID (0..MaxDevices-1)
	Width    int  `json:"width"`     // 画像幅
	Height   int  `json:"height"`    // 画像高さ
	FPS      int  `json:"fps"`       // フレームレート
	Channels int  `json:"channels"`  // 3 (RGB) または 4 (RGBA)
	SwapRB   bool `json:"swap_rb"`   // RとBを入れ替える (BGR/BGRA)
	Verbose  int  `json:"verbose"`   // ログの詳細度 (3より大きいとフレーム単位のログを出す)
}

// FrameSize は1フレームのバイト数を返す
func (c CaptureConfig) FrameSize() int {
	return c.Width * c.Height * c.Channels
}

// Stride は1行のバイト数を返す
func (c CaptureConfig) Stride() int {
	return c.Width * c.Channels
}

// FrameMetadata はドライバーから取得したフレーム付随情報
type FrameMetadata struct {
	TimestampUs uint64  `json:"timestamp_us"` // センサータイムスタンプ (µs)
	ExposureUs  uint64  `json:"exposure_us"`  // 露光時間 (µs)
	AnalogGain  float64 `json:"analog_gain"`  // アナログゲイン (dB)
	DigitalGain float64 `json:"digital_gain"` // デジタルゲイン
}

// SensorMode はセンサーがサポートする解像度とフレームレートの組
type SensorMode struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	FPS    []int  `json:"fps"`
}

// Supports はフレームレートがこのモードで使えるか判定する
func (m SensorMode) Supports(fps int) bool {
	for _, f := range m.FPS {
		if f == fps {
			return true
		}
	}
	return false
}

// GMSLSensorModes はGMSL2接続のステレオ単眼センサーが提供するモード一覧
var GMSLSensorModes = []SensorMode{
	{Name: "SVGA", Width: 960, Height: 600, FPS: []int{15, 30, 60, 120}},
	{Name: "HD1080", Width: 1920, Height: 1080, FPS: []int{15, 30, 60}},
	{Name: "HD1200", Width: 1920, Height: 1200, FPS: []int{15, 30, 60}},
	{Name: "4K", Width: 3856, Height: 2180, FPS: []int{15}},
}

// findSensorMode は幅・高さ・fpsに一致するモードを探す
func findSensorMode(modes []SensorMode, width, height, fps int) (SensorMode, bool) {
	for _, m := range modes {
		if m.Width == width && m.Height == height && m.Supports(fps) {
			return m, true
		}
	}
	return SensorMode{}, false
}

// Timing はセッションの待ち時間とポーリング間隔
type Timing struct {
	WaitTimeout        time.Duration // ドライバーの1回あたりのフレーム待ち時間
	FreezeTimeout      time.Duration // 最後の正常フレームからフリーズと判定するまでの時間
	StartupTimeout     time.Duration // オープン時に最初のフレームを待つ時間
	PollInterval       time.Duration // プロデューサーのポーリング間隔
	ControllerInterval time.Duration // ヘルスコントローラーのポーリング間隔
	RebootSettle       time.Duration // 再起動時のプロバイダー破棄前後の待ち時間
}

// DefaultTiming はデフォルトのタイミング設定を返す
func DefaultTiming() Timing {
	return Timing{
		WaitTimeout:        100 * time.Millisecond,
		FreezeTimeout:      2 * time.Second,
		StartupTimeout:     10 * time.Second,
		PollInterval:       time.Millisecond,
		ControllerInterval: 10 * time.Millisecond,
		RebootSettle:       time.Second,
	}
}

// withDefaults はゼロ値の項目をデフォルト値で埋める
func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.WaitTimeout <= 0 {
		t.WaitTimeout = d.WaitTimeout
	}
	if t.FreezeTimeout <= 0 {
		t.FreezeTimeout = d.FreezeTimeout
	}
	if t.StartupTimeout <= 0 {
		t.StartupTimeout = d.StartupTimeout
	}
	if t.PollInterval <= 0 {
		t.PollInterval = d.PollInterval
	}
	if t.ControllerInterval <= 0 {
		t.ControllerInterval = d.ControllerInterval
	}
	if t.RebootSettle < 0 {
		t.RebootSettle = 0
	}
	return t
}
