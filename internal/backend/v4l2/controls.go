package v4l2

import (
	"image"
	"sync"

	"github.com/vladimirvivien/go4vl/device"
	v4l2 "github.com/vladimirvivien/go4vl/v4l2"

	"gmslcapture/internal/camera"
)

// V4L2のユーザークラスとカメラクラスの制御ID
const (
	cidBrightness         v4l2.CtrlID = 0x00980900
	cidContrast           v4l2.CtrlID = 0x00980901
	cidSaturation         v4l2.CtrlID = 0x00980902
	cidHue                v4l2.CtrlID = 0x00980903
	cidGamma              v4l2.CtrlID = 0x00980910
	cidPowerLineFrequency v4l2.CtrlID = 0x00980918
	cidSharpness          v4l2.CtrlID = 0x0098091b
)

// exposure_absolute の単位 (100µs)
const exposureUnitUs = 100

// V4L2 exposure_auto のメニュー値
const (
	exposureManual           = 1
	exposureAperturePriority = 3
)

var controlIDs = map[camera.Control]v4l2.CtrlID{
	camera.CtrlBrightness:       cidBrightness,
	camera.CtrlContrast:         cidContrast,
	camera.CtrlSaturation:       cidSaturation,
	camera.CtrlHue:              cidHue,
	camera.CtrlGamma:            cidGamma,
	camera.CtrlSharpness:        cidSharpness,
	camera.CtrlGain:             v4l2.CtrlGain,
	camera.CtrlAutoWhiteBalance: v4l2.CtrlAutoWhiteBalance,
	camera.CtrlAntiBanding:      cidPowerLineFrequency,
	camera.CtrlExposure:         v4l2.CtrlExposureAbsolute,
	camera.CtrlAutoExposure:     v4l2.CtrlExposureAuto,
}

// アンチバンディングの値 (0:off 1:auto 2:50Hz 3:60Hz) と power_line_frequency の対応
var antiBandingToV4L2 = map[int]int32{0: 0, 1: 3, 2: 1, 3: 2}

// controlDevice はgo4vlの制御APIのうち使う部分
type controlDevice interface {
	GetControl(id v4l2.CtrlID) (v4l2.Control, error)
	SetControlValue(id v4l2.CtrlID, val v4l2.CtrlValue) error
}

var _ controlDevice = (*device.Device)(nil)

// controls はcamera.ControlsをV4L2の制御に変換する
type controls struct {
	dev controlDevice

	mu       sync.Mutex
	cachedEx uint64
	cachedG  float64
}

func (c *controls) lookup(ctrl camera.Control) (v4l2.CtrlID, error) {
	id, ok := controlIDs[ctrl]
	if !ok {
		return 0, camera.ErrUnsupported
	}
	return id, nil
}

func (c *controls) Get(ctrl camera.Control) (float64, error) {
	id, err := c.lookup(ctrl)
	if err != nil {
		return 0, err
	}
	ctl, err := c.dev.GetControl(id)
	if err != nil {
		return 0, err
	}
	return fromV4L2(ctrl, int32(ctl.Value)), nil
}

func (c *controls) Set(ctrl camera.Control, value float64) error {
	id, err := c.lookup(ctrl)
	if err != nil {
		return err
	}
	return c.dev.SetControlValue(id, v4l2.CtrlValue(toV4L2(ctrl, value)))
}

func (c *controls) Limits(ctrl camera.Control) (camera.Range, error) {
	id, err := c.lookup(ctrl)
	if err != nil {
		return camera.Range{}, err
	}
	ctl, err := c.dev.GetControl(id)
	if err != nil {
		return camera.Range{}, err
	}
	return camera.Range{
		Min: fromV4L2(ctrl, ctl.Minimum),
		Max: fromV4L2(ctrl, ctl.Maximum),
	}, nil
}

// SetRange はV4L2に自動制御の範囲がないため、固定値の指定だけを受け付ける
func (c *controls) SetRange(ctrl camera.Control, r camera.Range) error {
	if r.Min != r.Max {
		return camera.ErrUnsupported
	}
	if ctrl == camera.CtrlExposure {
		if err := c.dev.SetControlValue(v4l2.CtrlExposureAuto, exposureManual); err != nil {
			return err
		}
	}
	return c.Set(ctrl, r.Min)
}

func (c *controls) SetRegion(image.Rectangle) error {
	return camera.ErrUnsupported
}

// exposureUs はメタデータ用に露光時間を返す。取得できなければ前回値
func (c *controls) exposureUs() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, err := c.Get(camera.CtrlExposure); err == nil {
		c.cachedEx = uint64(v)
	}
	return c.cachedEx
}

func (c *controls) gain() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, err := c.Get(camera.CtrlGain); err == nil {
		c.cachedG = v
	}
	return c.cachedG
}

func toV4L2(ctrl camera.Control, v float64) int32 {
	switch ctrl {
	case camera.CtrlExposure:
		return int32(v / exposureUnitUs)
	case camera.CtrlAutoExposure:
		if v != 0 {
			return exposureAperturePriority
		}
		return exposureManual
	case camera.CtrlAntiBanding:
		if m, ok := antiBandingToV4L2[int(v)]; ok {
			return m
		}
		return 0
	default:
		return int32(v)
	}
}

func fromV4L2(ctrl camera.Control, v int32) float64 {
	switch ctrl {
	case camera.CtrlExposure:
		return float64(v) * exposureUnitUs
	case camera.CtrlAutoExposure:
		if v == exposureManual {
			return 0
		}
		return 1
	case camera.CtrlAntiBanding:
		for k, m := range antiBandingToV4L2 {
			if m == v {
				return float64(k)
			}
		}
		return 0
	default:
		return float64(v)
	}
}
