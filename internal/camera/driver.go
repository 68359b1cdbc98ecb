package camera

import (
	"errors"
	"image"
	"time"
)

// ドライバー層が返すエラー
var (
	ErrWaitTimeout  = errors.New("driver: wait timeout")
	ErrDisconnected = errors.New("driver: disconnected")
	ErrCancelled    = errors.New("driver: cancelled")
	ErrEndOfStream  = errors.New("driver: end of stream")
	ErrUnsupported  = errors.New("driver: control not supported")
)

// isLinkLoss はエラーが即座にフリーズ候補となる種類か判定する
func isLinkLoss(err error) bool {
	return errors.Is(err, ErrDisconnected) || errors.Is(err, ErrCancelled) || errors.Is(err, ErrEndOfStream)
}

// DeviceInfo は列挙されたセンサーの情報
type DeviceInfo struct {
	ID        int          `json:"id"`
	Name      string       `json:"name"`
	Path      string       `json:"path,omitempty"`
	Serial    string       `json:"serial,omitempty"`
	Available bool         `json:"available"`
	Modes     []SensorMode `json:"modes,omitempty"` // 空の場合は解像度チェックをドライバーに任せる
}

// Provider はセンサー群へのプロセス単位のハンドル
// DeviceRegistryが遅延生成し、再起動時に破棄・再生成する
type Provider interface {
	// Devices は接続されているセンサーを列挙する
	Devices() ([]DeviceInfo, error)

	// OpenDevice は設定に従ってセンサーを開く
	OpenDevice(cfg CaptureConfig) (Device, error)

	// Close はプロバイダーを破棄する
	Close() error
}

// Device は1台のセンサーのストリーム
// WaitFrame / FrameHandle はプロデューサーのゴルーチンからのみ使われる
type Device interface {
	RequestBuffers(n int) error
	Start() error
	Stop() error

	// WaitFrame は次のフレームをtimeoutまで待つ
	// タイムアウト時は ErrWaitTimeout、切断時は ErrDisconnected 等を返す
	WaitFrame(timeout time.Duration) (FrameHandle, error)

	Controls() Controls
	Close() error
}

// FrameHandle はドライバーが所有するフレーム
type FrameHandle interface {
	Metadata() FrameMetadata

	// CopyTo はCaptureConfigのレイアウト(チャンネル数・RB入れ替え)でdstへコピーする
	CopyTo(dst []byte) error

	// Release はフレームをドライバーに返す
	Release()
}

// Control はISPまたはセンサーの制御項目
type Control string

const (
	CtrlBrightness           Control = "brightness"
	CtrlContrast             Control = "contrast"
	CtrlHue                  Control = "hue"
	CtrlSaturation           Control = "saturation"
	CtrlSharpness            Control = "sharpness"
	CtrlGamma                Control = "gamma"
	CtrlGain                 Control = "gain"     // アナログゲイン
	CtrlExposure             Control = "exposure" // 露光時間 (µs)
	CtrlAutoExposure         Control = "aec_agc"  // 自動露光/ゲイン (0/1)
	CtrlWhiteBalance         Control = "whitebalance_temperature"
	CtrlAutoWhiteBalance     Control = "whitebalance_auto"
	CtrlDigitalGain          Control = "digital_gain"
	CtrlDenoise              Control = "denoise"
	CtrlAntiBanding          Control = "antibanding" // 0: off, 1: auto, 2: 50Hz, 3: 60Hz
	CtrlExposureCompensation Control = "exposure_compensation"
)

// Range は制御値の範囲
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Controls はドライバーへの制御のパススルー
// 対応していない項目は ErrUnsupported を返す
type Controls interface {
	Get(ctrl Control) (float64, error)
	Set(ctrl Control, value float64) error

	// Limits はセンサーの取り得る範囲を返す
	Limits(ctrl Control) (Range, error)

	// SetRange は自動制御の範囲を制限する (露光時間・ゲイン)
	SetRange(ctrl Control, r Range) error

	// SetRegion は自動露光の注目領域を設定する。空の矩形は全画面を表す
	SetRegion(r image.Rectangle) error
}
