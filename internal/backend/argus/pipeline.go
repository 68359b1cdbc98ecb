package argus

import (
	"fmt"
	"image"
	"time"

	"gmslcapture/internal/camera"
)

// パイプラインの構成:
//
//	nvarguscamerasrc → capsfilter(NVMM NV12) → nvvidconv → capsfilter(RGBA) → appsink
//
// ISPの出力をnvvidconvでCPUメモリのRGBAに変換してappsinkで受け取る

// clockBase はフレームタイムスタンプの基準。パイプラインを作り直しても変わらない
var clockBase = time.Now()

// frameTimestampUs はプロセス内で単調増加するタイムスタンプ (µs) を返す
func frameTimestampUs() uint64 {
	return uint64(time.Since(clockBase) / time.Microsecond)
}

// sensorCaps はISP出力側のcaps
func sensorCaps(cfg camera.CaptureConfig) string {
	return fmt.Sprintf("video/x-raw(memory:NVMM),width=%d,height=%d,framerate=%d/1,format=NV12",
		cfg.Width, cfg.Height, cfg.FPS)
}

// outputCaps はappsinkが受け取るcaps
func outputCaps(cfg camera.CaptureConfig) string {
	return fmt.Sprintf("video/x-raw,format=RGBA,width=%d,height=%d", cfg.Width, cfg.Height)
}

// sensorLimits はfpsに応じたセンサーの制御範囲
func sensorLimits(fps int) map[camera.Control]camera.Range {
	maxExposure := float64(time.Second/time.Microsecond) / float64(fps)
	return map[camera.Control]camera.Range{
		camera.CtrlExposure:             {Min: 28, Max: maxExposure},
		camera.CtrlGain:                 {Min: 1, Max: 16},
		camera.CtrlDigitalGain:          {Min: 1, Max: 256},
		camera.CtrlSaturation:           {Min: 0, Max: 2},
		camera.CtrlSharpness:            {Min: -1, Max: 1},
		camera.CtrlDenoise:              {Min: -1, Max: 1},
		camera.CtrlExposureCompensation: {Min: -2, Max: 2},
		camera.CtrlAntiBanding:          {Min: 0, Max: 3},
		camera.CtrlAutoWhiteBalance:     {Min: 0, Max: 1},
		camera.CtrlAutoExposure:         {Min: 0, Max: 1},
	}
}

// nvarguscamerasrcのスカラープロパティ
var scalarProperties = map[camera.Control]string{
	camera.CtrlSaturation:           "saturation",
	camera.CtrlSharpness:            "ee-strength",
	camera.CtrlDenoise:              "tnr-strength",
	camera.CtrlExposureCompensation: "exposurecompensation",
	camera.CtrlAntiBanding:          "aeantibanding",
	camera.CtrlAutoWhiteBalance:     "wbmode",
}

// 範囲で指定するプロパティ。値は "min max" の文字列
var rangeProperties = map[camera.Control]string{
	camera.CtrlExposure:    "exposuretimerange",
	camera.CtrlGain:        "gainrange",
	camera.CtrlDigitalGain: "ispdigitalgainrange",
}

// formatRange はプロパティ用に範囲を文字列化する。露光時間はナノ秒で渡す
func formatRange(ctrl camera.Control, r camera.Range) string {
	if ctrl == camera.CtrlExposure {
		return fmt.Sprintf("%d %d", int64(r.Min*1000), int64(r.Max*1000))
	}
	return fmt.Sprintf("%g %g", r.Min, r.Max)
}

// formatRegion は自動露光の注目領域をaeregionの形式にする。空の矩形は全画面
func formatRegion(r image.Rectangle, width, height int) string {
	if r.Empty() {
		r = image.Rect(0, 0, width, height)
	}
	return fmt.Sprintf("%d %d %d %d 1.0", r.Min.X, r.Min.Y, r.Max.X, r.Max.Y)
}

// propertyValue はnvarguscamerasrcに渡す型へ変換する
func propertyValue(ctrl camera.Control, v float64) interface{} {
	switch ctrl {
	case camera.CtrlAntiBanding, camera.CtrlAutoWhiteBalance:
		return int(v)
	default:
		return float32(v)
	}
}
