// Package v4l2 はgo4vlでV4L2デバイスから直接フレームを取得するバックエンド
//
// ISPを通さないセンサー(YUYV出力)向け。フレームはpixconvでRGB(A)へ変換する。
package v4l2

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vladimirvivien/go4vl/device"
	v4l2 "github.com/vladimirvivien/go4vl/v4l2"

	"gmslcapture/internal/camera"
	"gmslcapture/internal/pixconv"
)

// DefaultBufferCount はドライバーに要求するMMAPバッファ数
const DefaultBufferCount = camera.MaxQueueDepth + 2

// Provider はV4L2デバイス群へのハンドル
type Provider struct {
	discovery   *Discovery
	bufferCount int
	log         *logrus.Entry

	mu    sync.Mutex
	paths []string
}

// NewProvider はcamera.ProviderFactoryとして使う
func NewProvider() (camera.Provider, error) {
	return &Provider{
		discovery:   NewDiscovery(),
		bufferCount: DefaultBufferCount,
		log:         logrus.WithField("backend", "v4l2"),
	}, nil
}

// Devices は検出したキャプチャデバイスを返す
func (p *Provider) Devices() ([]camera.DeviceInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	infos, paths, err := p.discovery.Devices(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.paths = paths
	p.mu.Unlock()
	return infos, nil
}

func (p *Provider) pathFor(id int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 0 || id >= len(p.paths) {
		return "", fmt.Errorf("デバイス %d は検出されていません", id)
	}
	return p.paths[id], nil
}

// OpenDevice はYUYVでデバイスを開く
func (p *Provider) OpenDevice(cfg camera.CaptureConfig) (camera.Device, error) {
	path, err := p.pathFor(cfg.DeviceID)
	if err != nil {
		return nil, err
	}

	dev, err := device.Open(path,
		device.WithIOType(v4l2.IOTypeMMAP),
		device.WithPixFormat(v4l2.PixFormat{
			PixelFormat: v4l2.PixelFmtYUYV,
			Width:       uint32(cfg.Width),
			Height:      uint32(cfg.Height),
			Field:       v4l2.FieldNone,
		}),
		device.WithBufferSize(uint32(p.bufferCount)),
		device.WithFPS(uint32(cfg.FPS)),
	)
	if err != nil {
		return nil, fmt.Errorf("%s のオープンに失敗: %w", path, err)
	}

	// ドライバーが解像度を丸めた場合は設定エラーとする
	pix, err := dev.GetPixFormat()
	if err == nil && (int(pix.Width) != cfg.Width || int(pix.Height) != cfg.Height) {
		_ = dev.Close()
		return nil, fmt.Errorf("%w: %s は %dx%d を %dx%d に変更しました",
			camera.ErrInvalidConfiguration, path, cfg.Width, cfg.Height, pix.Width, pix.Height)
	}

	return &captureDevice{
		path:     path,
		cfg:      cfg,
		dev:      dev,
		buffers:  p.bufferCount,
		controls: &controls{dev: dev},
		log:      p.log.WithField("device", path),
	}, nil
}

// Close はプロバイダーを破棄する。開いているデバイスは各セッションが閉じる
func (p *Provider) Close() error {
	p.mu.Lock()
	p.paths = nil
	p.mu.Unlock()
	return nil
}

// clockBase はフレームタイムスタンプの基準。ストリームを開き直しても変わらない
var clockBase = time.Now()

// frameTimestampUs はプロセス内で単調増加するタイムスタンプ (µs) を返す
func frameTimestampUs() uint64 {
	return uint64(time.Since(clockBase) / time.Microsecond)
}

// captureDevice はgo4vlのストリーム
type captureDevice struct {
	path     string
	cfg      camera.CaptureConfig
	dev      *device.Device
	buffers  int
	controls *controls
	log      *logrus.Entry

	cancel context.CancelFunc
	ctx    context.Context
	frames <-chan []byte
}

// RequestBuffers はオープン時に確保したMMAPバッファで足りるか確認する
func (d *captureDevice) RequestBuffers(n int) error {
	if n > d.buffers {
		return fmt.Errorf("%s: バッファ %d 個を要求しましたが、ドライバーには %d 個しかありません", d.path, n, d.buffers)
	}
	return nil
}

func (d *captureDevice) Start() error {
	d.ctx, d.cancel = context.WithCancel(context.Background())
	if err := d.dev.Start(d.ctx); err != nil {
		d.cancel()
		return fmt.Errorf("%s のストリーム開始に失敗: %w", d.path, err)
	}
	d.frames = d.dev.GetOutput()
	return nil
}

func (d *captureDevice) Stop() error {
	if d.cancel == nil {
		return nil
	}
	d.cancel()
	d.cancel = nil
	return d.dev.Stop()
}

func (d *captureDevice) Close() error {
	return d.dev.Close()
}

func (d *captureDevice) Controls() camera.Controls { return d.controls }

func (d *captureDevice) WaitFrame(timeout time.Duration) (camera.FrameHandle, error) {
	if d.frames == nil {
		return nil, camera.ErrCancelled
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data, ok := <-d.frames:
		if !ok {
			return nil, camera.ErrDisconnected
		}
		return &frame{
			data: data,
			cfg:  d.cfg,
			meta: camera.FrameMetadata{
				TimestampUs: frameTimestampUs(),
				ExposureUs:  d.controls.exposureUs(),
				AnalogGain:  d.controls.gain(),
				DigitalGain: 1,
			},
		}, nil
	case <-timer.C:
		return nil, camera.ErrWaitTimeout
	case <-d.ctx.Done():
		return nil, camera.ErrCancelled
	}
}

// frame はgo4vlから受け取ったYUYVフレーム
type frame struct {
	data []byte
	cfg  camera.CaptureConfig
	meta camera.FrameMetadata
}

func (f *frame) Metadata() camera.FrameMetadata { return f.meta }

func (f *frame) CopyTo(dst []byte) error {
	if len(f.data) == 0 {
		return errors.New("空のフレームを受信しました")
	}
	return pixconv.YUYVToRGB(dst, f.data, f.cfg.Width, f.cfg.Height, pixconv.Layout{
		Channels: f.cfg.Channels,
		SwapRB:   f.cfg.SwapRB,
	})
}

func (f *frame) Release() { f.data = nil }
