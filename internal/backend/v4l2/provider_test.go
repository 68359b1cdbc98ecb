package v4l2

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gmslcapture/internal/camera"
)

// streamingDevice はgo4vlのデバイスなしでWaitFrameを呼べるcaptureDeviceを作る
func streamingDevice(t *testing.T) (*captureDevice, chan []byte) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c, _ := newFakeControls()
	frames := make(chan []byte, 1)
	return &captureDevice{
		path:     "/dev/video0",
		cfg:      camera.CaptureConfig{Width: 2, Height: 1, FPS: 30, Channels: 4},
		controls: c,
		ctx:      ctx,
		cancel:   cancel,
		frames:   frames,
	}, frames
}

func TestWaitFrameTimestampAcrossReopen(t *testing.T) {
	first, frames := streamingDevice(t)
	frames <- make([]byte, 4)
	f1, err := first.WaitFrame(100 * time.Millisecond)
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)

	// 再起動後のストリームでもタイムスタンプは前の値より大きい
	second, frames := streamingDevice(t)
	frames <- make([]byte, 4)
	f2, err := second.WaitFrame(100 * time.Millisecond)
	require.NoError(t, err)

	assert.Greater(t, f2.Metadata().TimestampUs, f1.Metadata().TimestampUs)
	assert.Equal(t, uint64(10000), f2.Metadata().ExposureUs)
}

func TestWaitFrameErrors(t *testing.T) {
	d, frames := streamingDevice(t)

	_, err := d.WaitFrame(5 * time.Millisecond)
	assert.ErrorIs(t, err, camera.ErrWaitTimeout)

	close(frames)
	_, err = d.WaitFrame(5 * time.Millisecond)
	assert.ErrorIs(t, err, camera.ErrDisconnected)

	idle := &captureDevice{}
	_, err = idle.WaitFrame(5 * time.Millisecond)
	assert.ErrorIs(t, err, camera.ErrCancelled)
}
