package argus

import (
	"image"
	"sync"

	"github.com/tinyzimmer/go-gst/gst"

	"gmslcapture/internal/camera"
)

// controls はcamera.Controlsをnvarguscamerasrcのプロパティに変換する
// nvarguscamerasrcは現在値を返さないため、設定した値を保持して返す
type controls struct {
	src    *gst.Element
	cfg    camera.CaptureConfig
	limits map[camera.Control]camera.Range

	mu     sync.Mutex
	values map[camera.Control]float64
	ranges map[camera.Control]camera.Range
}

func newControls(src *gst.Element, cfg camera.CaptureConfig) *controls {
	limits := sensorLimits(cfg.FPS)
	c := &controls{
		src:    src,
		cfg:    cfg,
		limits: limits,
		values: map[camera.Control]float64{
			camera.CtrlSaturation:           1,
			camera.CtrlSharpness:            0,
			camera.CtrlDenoise:              0,
			camera.CtrlExposureCompensation: 0,
			camera.CtrlAntiBanding:          1,
			camera.CtrlAutoWhiteBalance:     1,
			camera.CtrlAutoExposure:         1,
			camera.CtrlExposure:             limits[camera.CtrlExposure].Max / 2,
			camera.CtrlGain:                 1,
			camera.CtrlDigitalGain:          1,
		},
		ranges: make(map[camera.Control]camera.Range),
	}
	for ctrl, r := range limits {
		if _, ok := rangeProperties[ctrl]; ok {
			c.ranges[ctrl] = r
		}
	}
	return c
}

func (c *controls) Get(ctrl camera.Control) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[ctrl]
	if !ok {
		return 0, camera.ErrUnsupported
	}
	return v, nil
}

func (c *controls) Set(ctrl camera.Control, value float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case ctrl == camera.CtrlAutoExposure:
		if err := c.src.SetProperty("aelock", value == 0); err != nil {
			return err
		}
	case rangeProperties[ctrl] != "":
		r := camera.Range{Min: value, Max: value}
		if err := c.src.SetProperty(rangeProperties[ctrl], formatRange(ctrl, r)); err != nil {
			return err
		}
		c.ranges[ctrl] = r
	case scalarProperties[ctrl] != "":
		if ctrl == camera.CtrlSharpness {
			// ee-strengthはee-modeが有効な場合のみ反映される
			if err := c.src.SetProperty("ee-mode", 1); err != nil {
				return err
			}
		}
		if ctrl == camera.CtrlDenoise {
			if err := c.src.SetProperty("tnr-mode", 1); err != nil {
				return err
			}
		}
		if err := c.src.SetProperty(scalarProperties[ctrl], propertyValue(ctrl, value)); err != nil {
			return err
		}
	default:
		return camera.ErrUnsupported
	}

	c.values[ctrl] = value
	return nil
}

func (c *controls) Limits(ctrl camera.Control) (camera.Range, error) {
	r, ok := c.limits[ctrl]
	if !ok {
		return camera.Range{}, camera.ErrUnsupported
	}
	return r, nil
}

func (c *controls) SetRange(ctrl camera.Control, r camera.Range) error {
	name, ok := rangeProperties[ctrl]
	if !ok {
		return camera.ErrUnsupported
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.src.SetProperty(name, formatRange(ctrl, r)); err != nil {
		return err
	}
	c.ranges[ctrl] = r
	if r.Min == r.Max {
		c.values[ctrl] = r.Min
	}
	return nil
}

func (c *controls) SetRegion(r image.Rectangle) error {
	return c.src.SetProperty("aeregion", formatRegion(r, c.cfg.Width, c.cfg.Height))
}

// frameValues はフレームのメタデータに載せる露光時間とゲインを返す
// 範囲指定中は範囲の中央値で近似する
func (c *controls) frameValues() (exposureUs uint64, gain, digital float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	mid := func(ctrl camera.Control) float64 {
		r := c.ranges[ctrl]
		return (r.Min + r.Max) / 2
	}
	return uint64(mid(camera.CtrlExposure)), mid(camera.CtrlGain), mid(camera.CtrlDigitalGain)
}
