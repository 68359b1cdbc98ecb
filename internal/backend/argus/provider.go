// Package argus はJetsonのISP(nvarguscamerasrc)を通してGMSLセンサーからフレームを取得するバックエンド
//
// センサーごとにGStreamerパイプラインを作り、appsinkからRGBAフレームを引き出す。
// パイプラインのEOSとエラーは切断として報告し、セッションの再起動に任せる。
package argus

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"gmslcapture/internal/camera"
)

var initOnce sync.Once

// errProviderClosed は破棄済みのプロバイダーを使ったときのエラー
var errProviderClosed = fmt.Errorf("%w: argus プロバイダーは破棄済みです", camera.ErrDeviceUnavailable)

const defaultNodePattern = "/dev/video%d"

// Provider はnvargus-daemonに接続するセンサー群へのハンドル
//
// センサーの列挙結果はプロバイダーの寿命の間キャッシュする。
// 再起動でプロバイダーが作り直されると列挙からやり直す。
type Provider struct {
	log         *logrus.Entry
	nodePattern string

	mu        sync.Mutex
	closed    bool
	devices   []camera.DeviceInfo
	pipelines map[*sensorDevice]struct{}
}

// NewProvider はcamera.ProviderFactoryとして使う
func NewProvider() (camera.Provider, error) {
	initOnce.Do(func() { gst.Init(nil) })
	if _, err := gst.NewElement("nvarguscamerasrc"); err != nil {
		return nil, fmt.Errorf("nvarguscamerasrc が見つかりません: %w", err)
	}
	return newProvider(defaultNodePattern), nil
}

func newProvider(nodePattern string) *Provider {
	return &Provider{
		log:         logrus.WithField("backend", "argus"),
		nodePattern: nodePattern,
		pipelines:   make(map[*sensorDevice]struct{}),
	}
}

// Devices はセンサーのデバイスノードの有無で列挙する
func (p *Provider) Devices() ([]camera.DeviceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errProviderClosed
	}
	if p.devices != nil {
		return append([]camera.DeviceInfo(nil), p.devices...), nil
	}

	infos := []camera.DeviceInfo{}
	for id := 0; id < camera.MaxDevices; id++ {
		path := fmt.Sprintf(p.nodePattern, id)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		infos = append(infos, camera.DeviceInfo{
			ID:        id,
			Name:      fmt.Sprintf("GMSL sensor %d", id),
			Path:      path,
			Available: true,
			Modes:     camera.GMSLSensorModes,
		})
	}
	p.devices = infos
	p.log.WithField("sensors", len(infos)).Debug("センサーを列挙しました")
	return append([]camera.DeviceInfo(nil), infos...), nil
}

// OpenDevice はセンサー用のパイプラインを作る。再生はStartで始める
func (p *Provider) OpenDevice(cfg camera.CaptureConfig) (camera.Device, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, errProviderClosed
	}

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("パイプラインの作成に失敗: %w", err)
	}

	src, err := gst.NewElement("nvarguscamerasrc")
	if err != nil {
		return nil, fmt.Errorf("nvarguscamerasrc の作成に失敗: %w", err)
	}
	if err := src.SetProperty("sensor-id", cfg.DeviceID); err != nil {
		return nil, fmt.Errorf("sensor-id の設定に失敗: %w", err)
	}

	nvmm, err := newCapsFilter(sensorCaps(cfg))
	if err != nil {
		return nil, err
	}
	conv, err := gst.NewElement("nvvidconv")
	if err != nil {
		return nil, fmt.Errorf("nvvidconv の作成に失敗: %w", err)
	}
	rgba, err := newCapsFilter(outputCaps(cfg))
	if err != nil {
		return nil, err
	}

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("appsink の作成に失敗: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", camera.MaxQueueDepth)
	sink.SetProperty("drop", true)

	if err := pipeline.AddMany(src, nvmm, conv, rgba, sink.Element); err != nil {
		return nil, fmt.Errorf("パイプラインへの追加に失敗: %w", err)
	}
	if err := gst.ElementLinkMany(src, nvmm, conv, rgba, sink.Element); err != nil {
		return nil, fmt.Errorf("パイプラインの接続に失敗: %w", err)
	}

	d := &sensorDevice{
		cfg:      cfg,
		provider: p,
		pipeline: pipeline,
		sink:     sink,
		controls: newControls(src, cfg),
		log:      p.log.WithField("device", cfg.DeviceID),
	}
	p.track(d)
	return d, nil
}

func (p *Provider) track(d *sensorDevice) {
	p.mu.Lock()
	p.pipelines[d] = struct{}{}
	p.mu.Unlock()
}

func (p *Provider) untrack(d *sensorDevice) {
	p.mu.Lock()
	delete(p.pipelines, d)
	p.mu.Unlock()
}

func newCapsFilter(caps string) (*gst.Element, error) {
	filter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("capsfilter の作成に失敗: %w", err)
	}
	if err := filter.SetProperty("caps", gst.NewCapsFromString(caps)); err != nil {
		return nil, fmt.Errorf("caps の設定に失敗 %s: %w", caps, err)
	}
	return filter, nil
}

// Close はプロバイダーを破棄し、列挙結果を捨てる
// nvargus-daemonへの接続はパイプラインごとに張られるため、
// 他のセッションが持っているパイプラインはそのセッションが閉じる
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.devices = nil
	p.log.WithField("pipelines", len(p.pipelines)).Info("プロバイダーを破棄しました")
	return nil
}

// sensorDevice は1台分のパイプライン
type sensorDevice struct {
	cfg      camera.CaptureConfig
	provider *Provider
	pipeline *gst.Pipeline
	sink     *app.Sink
	controls *controls
	log      *logrus.Entry

	mu      sync.Mutex
	running bool
}

// RequestBuffers はappsinkに保持させるバッファ数を設定する
func (d *sensorDevice) RequestBuffers(n int) error {
	if n <= 0 {
		return fmt.Errorf("バッファ数が不正です: %d", n)
	}
	return d.sink.SetProperty("max-buffers", n)
}

func (d *sensorDevice) Start() error {
	if err := d.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("パイプラインの開始に失敗: %w", err)
	}
	d.mu.Lock()
	d.running = true
	d.mu.Unlock()
	return nil
}

func (d *sensorDevice) Stop() error {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	return d.pipeline.SetState(gst.StateNull)
}

func (d *sensorDevice) Close() error {
	d.provider.untrack(d)
	return d.pipeline.SetState(gst.StateNull)
}

func (d *sensorDevice) Controls() camera.Controls { return d.controls }

// WaitFrame はappsinkから次のサンプルを待つ
func (d *sensorDevice) WaitFrame(timeout time.Duration) (camera.FrameHandle, error) {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if !running {
		return nil, camera.ErrCancelled
	}

	sample := d.sink.TryPullSample(timeout)
	pulled := frameTimestampUs()
	if sample == nil {
		if d.sink.IsEOS() {
			return nil, camera.ErrEndOfStream
		}
		if err := d.busError(); err != nil {
			return nil, err
		}
		return nil, camera.ErrWaitTimeout
	}

	exposure, gain, digital := d.controls.frameValues()
	return &frame{
		sample: sample,
		cfg:    d.cfg,
		meta: camera.FrameMetadata{
			TimestampUs: pulled,
			ExposureUs:  exposure,
			AnalogGain:  gain,
			DigitalGain: digital,
		},
	}, nil
}

// busError はバス上のエラーとEOSを切断として返す
func (d *sensorDevice) busError() error {
	bus := d.pipeline.GetPipelineBus()
	for {
		msg := bus.TimedPop(0)
		if msg == nil {
			return nil
		}
		switch msg.Type() {
		case gst.MessageEOS:
			return camera.ErrEndOfStream
		case gst.MessageError:
			gerr := msg.ParseError()
			d.log.WithFields(logrus.Fields{
				"error": gerr.Error(),
				"debug": gerr.DebugString(),
			}).Error("パイプラインでエラーが発生しました")
			return fmt.Errorf("%w: %s", camera.ErrDisconnected, gerr.Error())
		}
	}
}
