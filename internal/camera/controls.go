package camera

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/sirupsen/logrus"
)

// DefaultControlValues はセンサーのデフォルト制御値
var DefaultControlValues = map[Control]float64{
	CtrlBrightness:       4,
	CtrlContrast:         4,
	CtrlHue:              0,
	CtrlSaturation:       4,
	CtrlSharpness:        4,
	CtrlGamma:            8,
	CtrlGain:             60,
	CtrlExposure:         80,
	CtrlAutoExposure:     1,
	CtrlWhiteBalance:     4600,
	CtrlAutoWhiteBalance: 1,
}

// オープン後に必ず適用するISP設定
var defaultTuning = []struct {
	ctrl  Control
	value float64
}{
	{CtrlDenoise, 0.5},
	{CtrlSharpness, 1},
	{CtrlAntiBanding, 0},
}

// applyDefaultTuning はデフォルトのISP設定を適用する。未対応の項目は無視する
func applyDefaultTuning(c Controls, log *logrus.Entry) {
	if c == nil {
		return
	}
	for _, t := range defaultTuning {
		if err := c.Set(t.ctrl, t.value); err != nil && !errors.Is(err, ErrUnsupported) {
			log.WithError(err).WithField("control", t.ctrl).Warn("ISP設定の適用に失敗")
		}
	}
}

// controls は動作中デバイスの制御を返す
func (s *Session) controls() (Controls, error) {
	if s.dev == nil || s.State() != StateRunning {
		return nil, ErrNotOpen
	}
	c := s.dev.Controls()
	if c == nil {
		return nil, ErrUnsupported
	}
	return c, nil
}

// withControls はlifeMuを取ってから動作中デバイスの制御を使う
// 再起動中はデバイスが入れ替わるため完了まで待つ
func (s *Session) withControls(fn func(Controls) error) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	c, err := s.controls()
	if err != nil {
		return err
	}
	return fn(c)
}

// Control は制御値を取得する
func (s *Session) Control(ctrl Control) (float64, error) {
	var v float64
	err := s.withControls(func(c Controls) error {
		var err error
		v, err = c.Get(ctrl)
		return err
	})
	return v, err
}

// SetControl は制御値を設定する
func (s *Session) SetControl(ctrl Control, value float64) error {
	return s.withControls(func(c Controls) error {
		return c.Set(ctrl, value)
	})
}

// ControlLimits はセンサーの取り得る範囲を返す
func (s *Session) ControlLimits(ctrl Control) (Range, error) {
	var r Range
	err := s.withControls(func(c Controls) error {
		var err error
		r, err = c.Limits(ctrl)
		return err
	})
	return r, err
}

// SetExposureRange は自動露光の範囲 (µs) を設定する。0以下の値はセンサーの限界値を使う
func (s *Session) SetExposureRange(minUs, maxUs float64) error {
	return s.setAutoRange(CtrlExposure, minUs, maxUs)
}

// SetGainRange は自動ゲインの範囲を設定する。0以下の値はセンサーの限界値を使う
func (s *Session) SetGainRange(lo, hi float64) error {
	return s.setAutoRange(CtrlGain, lo, hi)
}

func (s *Session) setAutoRange(ctrl Control, lo, hi float64) error {
	return s.withControls(func(c Controls) error {
		limits, err := c.Limits(ctrl)
		if err != nil {
			return err
		}
		r := clampRange(Range{Min: lo, Max: hi}, limits)
		if r.Min > r.Max {
			return fmt.Errorf("%w: %s の範囲 %.0f..%.0f は不正です", ErrInvalidConfiguration, ctrl, r.Min, r.Max)
		}
		return c.SetRange(ctrl, r)
	})
}

// clampRange は0以下の端を限界値で置き換え、範囲を限界内に収める
func clampRange(r, limits Range) Range {
	if r.Min <= 0 || r.Min < limits.Min {
		r.Min = limits.Min
	}
	if r.Max <= 0 || r.Max > limits.Max {
		r.Max = limits.Max
	}
	return r
}

// SetManualExposure は自動露光を止め、露光時間を限界値に対する百分率で設定する
func (s *Session) SetManualExposure(percent float64) error {
	return s.setManual(CtrlExposure, percent)
}

// SetManualGain は自動ゲインを止め、アナログゲインを限界値に対する百分率で設定する
func (s *Session) SetManualGain(percent float64) error {
	return s.setManual(CtrlGain, percent)
}

func (s *Session) setManual(ctrl Control, percent float64) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("%w: %s の割合 %.1f は0から100の範囲外です", ErrInvalidConfiguration, ctrl, percent)
	}
	return s.withControls(func(c Controls) error {
		limits, err := c.Limits(ctrl)
		if err != nil {
			return err
		}
		if err := c.Set(CtrlAutoExposure, 0); err != nil && !errors.Is(err, ErrUnsupported) {
			return err
		}
		v := fromPercent(percent, limits)
		return c.SetRange(ctrl, Range{Min: v, Max: v})
	})
}

// ExposurePercent は現在の露光時間を限界値に対する百分率で返す
func (s *Session) ExposurePercent() (float64, error) {
	return s.percentOf(CtrlExposure)
}

// GainPercent は現在のアナログゲインを限界値に対する百分率で返す
func (s *Session) GainPercent() (float64, error) {
	return s.percentOf(CtrlGain)
}

func (s *Session) percentOf(ctrl Control) (float64, error) {
	var p float64
	err := s.withControls(func(c Controls) error {
		limits, err := c.Limits(ctrl)
		if err != nil {
			return err
		}
		v, err := c.Get(ctrl)
		if err != nil {
			return err
		}
		p = toPercent(v, limits)
		return nil
	})
	return p, err
}

// SetAutoExposureRegion は自動露光の注目領域を設定する。空の矩形は全画面
func (s *Session) SetAutoExposureRegion(r image.Rectangle) error {
	cfg := s.Config()
	if !r.Empty() && !r.In(image.Rect(0, 0, cfg.Width, cfg.Height)) {
		return fmt.Errorf("%w: 領域 %v が %dx%d の外にあります", ErrInvalidConfiguration, r, cfg.Width, cfg.Height)
	}
	return s.withControls(func(c Controls) error {
		return c.SetRegion(r)
	})
}

func fromPercent(percent float64, limits Range) float64 {
	return limits.Min + (limits.Max-limits.Min)*percent/100
}

func toPercent(v float64, limits Range) float64 {
	span := limits.Max - limits.Min
	if span <= 0 {
		return 0
	}
	p := (v - limits.Min) / span * 100
	return math.Max(0, math.Min(100, p))
}
