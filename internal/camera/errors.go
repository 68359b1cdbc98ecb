package camera

import "errors"

// セッション操作のセンチネルエラー
// 呼び出し側は errors.Is で分類する

// Open / reboot のエラー
var (
	// ErrAlreadyOpen はClosed以外の状態でOpenが呼ばれたことを示す
	ErrAlreadyOpen = errors.New("capture session already open")

	// ErrDeviceUnavailable はデバイスが存在しないか開けないことを示す
	ErrDeviceUnavailable = errors.New("capture device unavailable")

	// ErrInvalidConfiguration は設定がセンサーモードに一致しないことを示す
	ErrInvalidConfiguration = errors.New("invalid capture configuration")

	// ErrAllocationFailed はフレームバッファまたはドライバーバッファの確保失敗を示す
	ErrAllocationFailed = errors.New("frame buffer allocation failed")

	// ErrStartupTimeout は起動タイムアウト内に最初のフレームが届かなかったことを示す
	ErrStartupTimeout = errors.New("no frame within startup timeout")

	// ErrRebootFailed は再起動に失敗しセッションが終端状態になったことを示す
	ErrRebootFailed = errors.New("capture session reboot failed")

	// ErrSessionClosing はClose処理中に操作が中断されたことを示す
	ErrSessionClosing = errors.New("capture session closing")

	// ErrNotOpen はセッションが動作していないことを示す
	ErrNotOpen = errors.New("capture session not open")
)

// フレーム単位のエラー
var (
	// ErrCaptureTimeout は1回のフレーム待ちがタイムアウトしたことを示す (一時的)
	ErrCaptureTimeout = errors.New("capture wait timed out")

	// ErrCaptureDisconnected はデバイス切断・取り消し・EOSを示す (フリーズ判定の対象)
	ErrCaptureDisconnected = errors.New("capture device disconnected")

	// ErrConvertFailure はフレームのコピーまたは変換の失敗を示す (1フレームのみ)
	ErrConvertFailure = errors.New("frame conversion failed")
)

// マネージャーのエラー
var (
	// ErrCameraNotFound は未登録のカメラIDが指定されたことを示す
	ErrCameraNotFound = errors.New("camera not found")
)
