package argus

import (
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gmslcapture/internal/camera"
)

func TestPipelineCaps(t *testing.T) {
	cfg := camera.CaptureConfig{DeviceID: 3, Width: 1920, Height: 1200, FPS: 30, Channels: 4}

	assert.Equal(t, "video/x-raw(memory:NVMM),width=1920,height=1200,framerate=30/1,format=NV12", sensorCaps(cfg))
	assert.Equal(t, "video/x-raw,format=RGBA,width=1920,height=1200", outputCaps(cfg))
}

func TestSensorLimits(t *testing.T) {
	limits := sensorLimits(30)
	// 露光上限はフレーム間隔
	assert.InDelta(t, 33333.3, limits[camera.CtrlExposure].Max, 0.1)
	assert.Equal(t, camera.Range{Min: 1, Max: 16}, limits[camera.CtrlGain])

	for ctrl := range scalarProperties {
		_, ok := limits[ctrl]
		assert.True(t, ok, "missing limits for %s", ctrl)
	}
	for ctrl := range rangeProperties {
		_, ok := limits[ctrl]
		assert.True(t, ok, "missing limits for %s", ctrl)
	}
}

func TestFormatRange(t *testing.T) {
	tests := []struct {
		name string
		ctrl camera.Control
		r    camera.Range
		want string
	}{
		{"exposure in ns", camera.CtrlExposure, camera.Range{Min: 100, Max: 20000}, "100000 20000000"},
		{"fixed exposure", camera.CtrlExposure, camera.Range{Min: 500, Max: 500}, "500000 500000"},
		{"gain", camera.CtrlGain, camera.Range{Min: 1, Max: 8.5}, "1 8.5"},
		{"digital gain", camera.CtrlDigitalGain, camera.Range{Min: 1, Max: 1}, "1 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatRange(tt.ctrl, tt.r))
		})
	}
}

func TestFormatRegion(t *testing.T) {
	assert.Equal(t, "0 0 1920 1080 1.0", formatRegion(image.Rectangle{}, 1920, 1080))
	assert.Equal(t, "10 20 110 220 1.0", formatRegion(image.Rect(10, 20, 110, 220), 1920, 1080))
}

func TestPropertyValue(t *testing.T) {
	assert.Equal(t, 2, propertyValue(camera.CtrlAntiBanding, 2))
	assert.Equal(t, 1, propertyValue(camera.CtrlAutoWhiteBalance, 1))
	assert.Equal(t, float32(0.5), propertyValue(camera.CtrlDenoise, 0.5))
}

func TestFrameTimestampMonotonic(t *testing.T) {
	// パイプラインを作り直してもタイムスタンプは巻き戻らない
	before := frameTimestampUs()
	time.Sleep(2 * time.Millisecond)
	after := frameTimestampUs()
	assert.Greater(t, after, before)
	assert.GreaterOrEqual(t, after-before, uint64(2000))
}

func TestProviderClose(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"video0", "video2"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o600))
	}
	pattern := filepath.Join(dir, "video%d")

	p := newProvider(pattern)
	devices, err := p.Devices()
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, 0, devices[0].ID)
	assert.Equal(t, 2, devices[1].ID)

	// 列挙結果はプロバイダーの寿命の間変わらない
	require.NoError(t, os.WriteFile(filepath.Join(dir, "video1"), nil, 0o600))
	devices, err = p.Devices()
	require.NoError(t, err)
	assert.Len(t, devices, 2)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	_, err = p.Devices()
	assert.ErrorIs(t, err, camera.ErrDeviceUnavailable)
	_, err = p.OpenDevice(camera.CaptureConfig{DeviceID: 0, Width: 1920, Height: 1200, FPS: 30, Channels: 4})
	assert.ErrorIs(t, err, camera.ErrDeviceUnavailable)

	// 作り直したプロバイダーは列挙からやり直す
	devices, err = newProvider(pattern).Devices()
	require.NoError(t, err)
	assert.Len(t, devices, 3)
}
