package v4l2

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	v4l2 "github.com/vladimirvivien/go4vl/v4l2"

	"gmslcapture/internal/camera"
)

type fakeControlDevice struct {
	values map[v4l2.CtrlID]int32
	limits map[v4l2.CtrlID][2]int32
}

func (f *fakeControlDevice) GetControl(id v4l2.CtrlID) (v4l2.Control, error) {
	v, ok := f.values[id]
	if !ok {
		return v4l2.Control{}, camera.ErrUnsupported
	}
	l := f.limits[id]
	return v4l2.Control{ID: id, Value: v4l2.CtrlValue(v), Minimum: l[0], Maximum: l[1]}, nil
}

func (f *fakeControlDevice) SetControlValue(id v4l2.CtrlID, val v4l2.CtrlValue) error {
	f.values[id] = int32(val)
	return nil
}

func newFakeControls() (*controls, *fakeControlDevice) {
	dev := &fakeControlDevice{
		values: map[v4l2.CtrlID]int32{
			v4l2.CtrlExposureAbsolute: 100,
			v4l2.CtrlExposureAuto:     exposureAperturePriority,
			v4l2.CtrlGain:             16,
			cidPowerLineFrequency:     3,
		},
		limits: map[v4l2.CtrlID][2]int32{
			v4l2.CtrlExposureAbsolute: {1, 5000},
			v4l2.CtrlGain:             {0, 255},
		},
	}
	return &controls{dev: dev}, dev
}

func TestControlsExposureUnits(t *testing.T) {
	c, dev := newFakeControls()

	v, err := c.Get(camera.CtrlExposure)
	require.NoError(t, err)
	assert.Equal(t, 10000.0, v, "exposure_absolute is in 100µs units")

	limits, err := c.Limits(camera.CtrlExposure)
	require.NoError(t, err)
	assert.Equal(t, camera.Range{Min: 100, Max: 500000}, limits)

	require.NoError(t, c.SetRange(camera.CtrlExposure, camera.Range{Min: 2000, Max: 2000}))
	assert.Equal(t, int32(20), dev.values[v4l2.CtrlExposureAbsolute])
	assert.Equal(t, int32(exposureManual), dev.values[v4l2.CtrlExposureAuto])

	assert.ErrorIs(t, c.SetRange(camera.CtrlExposure, camera.Range{Min: 100, Max: 2000}), camera.ErrUnsupported)
}

func TestControlsMapping(t *testing.T) {
	c, dev := newFakeControls()

	auto, err := c.Get(camera.CtrlAutoExposure)
	require.NoError(t, err)
	assert.Equal(t, 1.0, auto)

	ab, err := c.Get(camera.CtrlAntiBanding)
	require.NoError(t, err)
	assert.Equal(t, 1.0, ab, "power_line_frequency auto")

	require.NoError(t, c.Set(camera.CtrlAntiBanding, 0))
	assert.Equal(t, int32(0), dev.values[cidPowerLineFrequency])

	_, err = c.Get(camera.CtrlDenoise)
	assert.ErrorIs(t, err, camera.ErrUnsupported)
	assert.ErrorIs(t, c.SetRegion(image.Rect(0, 0, 10, 10)), camera.ErrUnsupported)

	assert.Equal(t, 16.0, c.gain())
	assert.Equal(t, uint64(10000), c.exposureUs())
}
