package camera

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"
)

// SimulatedRig はハードウェアなしで動くセンサー群
// 障害(タイムアウト・切断・オープン失敗・停止)を注入できる
type SimulatedRig struct {
	mu        sync.Mutex
	clock     *ManualClock
	sensors   map[int]*SimulatedSensor
	providers int
	failNext  error
}

// NewSimulatedRig は新しいSimulatedRigを作成する
// clockを渡すと、タイムアウトのたびにそのClockを待ち時間分だけ進める
func NewSimulatedRig(clock *ManualClock) *SimulatedRig {
	return &SimulatedRig{
		clock:   clock,
		sensors: make(map[int]*SimulatedSensor),
	}
}

// AddSensor はセンサーを追加する
func (r *SimulatedRig) AddSensor(id int, name string) *SimulatedSensor {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &SimulatedSensor{id: id, name: name, rig: r}
	r.sensors[id] = s
	return s
}

// Sensor はIDのセンサーを返す
func (r *SimulatedRig) Sensor(id int) *SimulatedSensor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sensors[id]
}

// FailNextProvider は次のプロバイダー作成をerrで失敗させる
func (r *SimulatedRig) FailNextProvider(err error) {
	r.mu.Lock()
	r.failNext = err
	r.mu.Unlock()
}

// ProvidersCreated はこれまでに作成されたプロバイダーの数を返す
func (r *SimulatedRig) ProvidersCreated() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.providers
}

// NewProvider はProviderFactoryとしてDeviceRegistryに渡す
func (r *SimulatedRig) NewProvider() (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.failNext; err != nil {
		r.failNext = nil
		return nil, err
	}
	r.providers++
	return &simProvider{rig: r}, nil
}

func (r *SimulatedRig) advance(d time.Duration) {
	if r.clock != nil {
		r.clock.Advance(d)
	}
}

type simProvider struct {
	rig    *SimulatedRig
	mu     sync.Mutex
	closed bool
}

func (p *simProvider) Devices() ([]DeviceInfo, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, errors.New("シミュレーターのプロバイダーは破棄済みです")
	}

	p.rig.mu.Lock()
	defer p.rig.mu.Unlock()

	infos := make([]DeviceInfo, 0, len(p.rig.sensors))
	for id := 0; id < MaxDevices; id++ {
		s, ok := p.rig.sensors[id]
		if !ok {
			continue
		}
		infos = append(infos, DeviceInfo{
			ID:        id,
			Name:      s.name,
			Serial:    fmt.Sprintf("SIM%05d", 40000+id),
			Available: !s.unplugged(),
			Modes:     GMSLSensorModes,
		})
	}
	return infos, nil
}

func (p *simProvider) OpenDevice(cfg CaptureConfig) (Device, error) {
	s := p.rig.Sensor(cfg.DeviceID)
	if s == nil {
		return nil, fmt.Errorf("シミュレーターのセンサー %d が見つかりません", cfg.DeviceID)
	}
	return s.open(cfg)
}

func (p *simProvider) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// SimulatedSensor は1台の仮想センサー
type SimulatedSensor struct {
	mu       sync.Mutex
	id       int
	name     string
	rig      *SimulatedRig
	interval time.Duration

	timeouts   int
	disconnect bool
	hung       bool
	gone       bool
	failOpens  int
	failStarts int
	badFrames  int

	opens     int
	delivered uint64
	seq       uint64
	active    *simDevice
}

// SetFrameInterval はフレーム間隔を指定する。0ならfpsから決める
func (s *SimulatedSensor) SetFrameInterval(d time.Duration) {
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()
}

// InjectTimeouts は次のn回のフレーム待ちをタイムアウトさせる
func (s *SimulatedSensor) InjectTimeouts(n int) {
	s.mu.Lock()
	s.timeouts += n
	s.mu.Unlock()
}

// InjectDisconnect は次のフレーム待ちで切断を返す
func (s *SimulatedSensor) InjectDisconnect() {
	s.mu.Lock()
	s.disconnect = true
	s.mu.Unlock()
}

// InjectConvertFailures は次のn枚のフレームのコピーを失敗させる
func (s *SimulatedSensor) InjectConvertFailures(n int) {
	s.mu.Lock()
	s.badFrames += n
	s.mu.Unlock()
}

// PendingTimeouts は注入済みでまだ消化されていないタイムアウトの数を返す
func (s *SimulatedSensor) PendingTimeouts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeouts
}

// Hang はResumeまで全てのフレーム待ちをタイムアウトさせる
func (s *SimulatedSensor) Hang() {
	s.mu.Lock()
	s.hung = true
	s.mu.Unlock()
}

// Resume はHangを解除する
func (s *SimulatedSensor) Resume() {
	s.mu.Lock()
	s.hung = false
	s.mu.Unlock()
}

// Unplug はセンサーを列挙から外れた状態(使用不可)にする
func (s *SimulatedSensor) Unplug() {
	s.mu.Lock()
	s.gone = true
	s.mu.Unlock()
}

// FailOpens は次のn回のオープンを失敗させる
func (s *SimulatedSensor) FailOpens(n int) {
	s.mu.Lock()
	s.failOpens = n
	s.mu.Unlock()
}

// FailStarts は次のn回のストリーム開始を失敗させる
func (s *SimulatedSensor) FailStarts(n int) {
	s.mu.Lock()
	s.failStarts = n
	s.mu.Unlock()
}

// Opens はオープンに成功した回数を返す
func (s *SimulatedSensor) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Delivered は配信したフレーム数を返す
func (s *SimulatedSensor) Delivered() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

// Active は現在開かれているデバイスがあるかを返す
func (s *SimulatedSensor) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

func (s *SimulatedSensor) unplugged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gone
}

func (s *SimulatedSensor) open(cfg CaptureConfig) (*simDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gone {
		return nil, fmt.Errorf("シミュレーターのセンサー %d は取り外されています", s.id)
	}
	if s.failOpens > 0 {
		s.failOpens--
		return nil, fmt.Errorf("シミュレーターのセンサー %d のオープンに失敗", s.id)
	}
	if s.active != nil {
		return nil, fmt.Errorf("シミュレーターのセンサー %d は使用中です", s.id)
	}
	s.opens++
	d := &simDevice{sensor: s, cfg: cfg, controls: newSimControls()}
	s.active = d
	return d, nil
}

func (s *SimulatedSensor) frameInterval(fps int) time.Duration {
	if s.interval > 0 {
		return s.interval
	}
	return time.Second / time.Duration(fps)
}

type simDevice struct {
	sensor   *SimulatedSensor
	cfg      CaptureConfig
	controls *simControls

	mu      sync.Mutex
	buffers int
	started bool
	closed  bool
	last    time.Time
}

func (d *simDevice) RequestBuffers(n int) error {
	if n <= 0 {
		return fmt.Errorf("バッファ数が不正です: %d", n)
	}
	d.mu.Lock()
	d.buffers = n
	d.mu.Unlock()
	return nil
}

func (d *simDevice) Start() error {
	d.sensor.mu.Lock()
	fail := d.sensor.failStarts > 0
	if fail {
		d.sensor.failStarts--
	}
	d.sensor.mu.Unlock()
	if fail {
		return errors.New("シミュレーターのストリーム開始に失敗")
	}

	d.mu.Lock()
	d.started = true
	d.mu.Unlock()
	return nil
}

func (d *simDevice) Stop() error {
	d.mu.Lock()
	d.started = false
	d.mu.Unlock()
	return nil
}

func (d *simDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.started = false
	d.mu.Unlock()

	d.sensor.mu.Lock()
	if d.sensor.active == d {
		d.sensor.active = nil
	}
	d.sensor.mu.Unlock()
	return nil
}

func (d *simDevice) Controls() Controls { return d.controls }

func (d *simDevice) WaitFrame(timeout time.Duration) (FrameHandle, error) {
	d.mu.Lock()
	running := d.started && !d.closed
	last := d.last
	d.mu.Unlock()
	if !running {
		return nil, ErrCancelled
	}

	s := d.sensor
	s.mu.Lock()
	switch {
	case s.disconnect:
		s.disconnect = false
		s.mu.Unlock()
		return nil, ErrDisconnected
	case s.timeouts > 0 || s.hung:
		if s.timeouts > 0 {
			s.timeouts--
		}
		s.mu.Unlock()
		s.rig.advance(timeout)
		time.Sleep(time.Millisecond)
		return nil, ErrWaitTimeout
	}
	interval := s.frameInterval(d.cfg.FPS)
	s.mu.Unlock()

	if wait := interval - time.Since(last); wait > 0 {
		if wait > timeout {
			time.Sleep(timeout)
			s.rig.advance(timeout)
			return nil, ErrWaitTimeout
		}
		time.Sleep(wait)
	}

	d.mu.Lock()
	d.last = time.Now()
	d.mu.Unlock()

	s.mu.Lock()
	s.seq++
	s.delivered++
	seq := s.seq
	bad := s.badFrames > 0
	if bad {
		s.badFrames--
	}
	s.mu.Unlock()

	return &simFrame{
		seq:  seq,
		bad:  bad,
		size: d.cfg.FrameSize(),
		meta: FrameMetadata{
			TimestampUs: seq * uint64(time.Second/time.Microsecond) / uint64(d.cfg.FPS),
			ExposureUs:  uint64(d.controls.value(CtrlExposure)),
			AnalogGain:  d.controls.value(CtrlGain),
			DigitalGain: 1,
		},
	}, nil
}

// simFrame は全バイトがシーケンス番号の下位8ビットで埋まったフレーム
type simFrame struct {
	seq  uint64
	bad  bool
	size int
	meta FrameMetadata
}

func (f *simFrame) Metadata() FrameMetadata { return f.meta }

func (f *simFrame) CopyTo(dst []byte) error {
	if f.bad {
		return errors.New("シミュレーターの破損フレーム")
	}
	if len(dst) != f.size {
		return fmt.Errorf("出力先が %d バイトです (フレームは %d バイト)", len(dst), f.size)
	}
	b := byte(f.seq)
	for i := range dst {
		dst[i] = b
	}
	return nil
}

func (f *simFrame) Release() {}

type simControls struct {
	mu     sync.Mutex
	values map[Control]float64
	ranges map[Control]Range
	region image.Rectangle
}

var simLimits = map[Control]Range{
	CtrlExposure: {Min: 28, Max: 66000},
	CtrlGain:     {Min: 1, Max: 30},
}

func newSimControls() *simControls {
	c := &simControls{
		values: make(map[Control]float64),
		ranges: make(map[Control]Range),
	}
	for k, v := range DefaultControlValues {
		c.values[k] = v
	}
	c.values[CtrlExposure] = 8000
	c.values[CtrlGain] = 4
	c.values[CtrlDigitalGain] = 1
	c.values[CtrlDenoise] = 0.5
	c.values[CtrlAntiBanding] = 1
	c.values[CtrlExposureCompensation] = 0
	return c
}

func (c *simControls) value(ctrl Control) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[ctrl]
}

func (c *simControls) Get(ctrl Control) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[ctrl]
	if !ok {
		return 0, ErrUnsupported
	}
	return v, nil
}

func (c *simControls) Set(ctrl Control, value float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.values[ctrl]; !ok {
		return ErrUnsupported
	}
	c.values[ctrl] = value
	return nil
}

func (c *simControls) Limits(ctrl Control) (Range, error) {
	r, ok := simLimits[ctrl]
	if !ok {
		return Range{}, ErrUnsupported
	}
	return r, nil
}

func (c *simControls) SetRange(ctrl Control, r Range) error {
	if _, ok := simLimits[ctrl]; !ok {
		return ErrUnsupported
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ranges[ctrl] = r
	if r.Min == r.Max {
		c.values[ctrl] = r.Min
	}
	return nil
}

func (c *simControls) SetRegion(r image.Rectangle) error {
	c.mu.Lock()
	c.region = r
	c.mu.Unlock()
	return nil
}
