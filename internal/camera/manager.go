package camera

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CameraSpec はマネージャーに登録するカメラの定義
type CameraSpec struct {
	ID        string        // カメラの一意識別子
	Name      string        // カメラの表示名
	Config    CaptureConfig // キャプチャ設定
	AutoStart bool          // マネージャー開始時にオープンする
}

// CameraStatus はカメラの現在の状態
type CameraStatus struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	State            string        `json:"state"`
	DeviceState      string        `json:"device_state"`
	Config           CaptureConfig `json:"config"`
	Generation       string        `json:"generation,omitempty"`
	Stats            Stats         `json:"stats"`
	FrameAllocations int64         `json:"frame_allocations"`
	Error            string        `json:"error,omitempty"`
	LastSeen         time.Time     `json:"last_seen"`
}

type managedCamera struct {
	spec      CameraSpec
	session   *Session
	lastSeen  time.Time
	published uint64
}

// Manager は1つのDeviceRegistryを共有する複数カメラのセッションを管理する
type Manager struct {
	registry *DeviceRegistry
	cameras  map[string]*managedCamera
	mu       sync.RWMutex

	sessionOpts []Option

	// 制御用
	stopCh chan struct{}
	wg     sync.WaitGroup

	reportInterval time.Duration
	log            *logrus.Entry
}

// NewManager は新しいManagerを作成する。optsは全セッションに適用される
func NewManager(registry *DeviceRegistry, opts ...Option) *Manager {
	return &Manager{
		registry:       registry,
		cameras:        make(map[string]*managedCamera),
		sessionOpts:    opts,
		stopCh:         make(chan struct{}),
		reportInterval: 10 * time.Second,
		log:            logrus.WithField("component", "manager"),
	}
}

// SetReportInterval は状態ログの出力間隔を設定する
func (m *Manager) SetReportInterval(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reportInterval = interval
}

// Registry は共有しているDeviceRegistryを返す
func (m *Manager) Registry() *DeviceRegistry {
	return m.registry
}

// AddCamera はカメラを登録する。オープンはしない
func (m *Manager) AddCamera(spec CameraSpec) error {
	if spec.ID == "" {
		return fmt.Errorf("カメラIDが空です")
	}
	if err := validateConfig(spec.Config); err != nil {
		return fmt.Errorf("カメラ %s: %w", spec.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.cameras[spec.ID]; exists {
		return fmt.Errorf("カメラ %s は既に追加されています", spec.ID)
	}
	for _, cam := range m.cameras {
		if cam.spec.Config.DeviceID == spec.Config.DeviceID {
			return fmt.Errorf("デバイス %d は既にカメラ %s が使用しています", spec.Config.DeviceID, cam.spec.ID)
		}
	}

	opts := append([]Option{WithLogger(m.log.WithField("camera", spec.ID))}, m.sessionOpts...)
	m.cameras[spec.ID] = &managedCamera{
		spec:    spec,
		session: NewSession(m.registry, opts...),
	}
	return nil
}

// RemoveCamera はカメラを閉じて登録を外す
func (m *Manager) RemoveCamera(id string) error {
	m.mu.Lock()
	cam, exists := m.cameras[id]
	if exists {
		delete(m.cameras, id)
	}
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrCameraNotFound, id)
	}
	cam.session.Close()
	return nil
}

// Start は自動開始のカメラをオープンし、状態の監視を始める
// オープンに失敗したカメラはログに残して続行する
func (m *Manager) Start(ctx context.Context) error {
	m.mu.RLock()
	var targets []*managedCamera
	for _, cam := range m.cameras {
		if cam.spec.AutoStart {
			targets = append(targets, cam)
		}
	}
	interval := m.reportInterval
	stopCh := m.stopCh
	m.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].spec.ID < targets[j].spec.ID })

	var started int
	for _, cam := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := cam.session.Open(cam.spec.Config); err != nil {
			m.log.WithError(err).WithField("camera", cam.spec.ID).Error("カメラの開始に失敗")
			continue
		}
		started++
	}
	if len(targets) > 0 && started == 0 {
		m.log.Warn("自動開始のカメラが1台も開始できませんでした")
	}

	m.wg.Add(1)
	go m.backgroundReport(ctx, stopCh, interval)
	return nil
}

// Stop は監視を止めて全カメラを閉じる
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	close(m.stopCh)
	m.mu.Unlock()
	m.wg.Wait()

	m.mu.Lock()
	cams := make([]*managedCamera, 0, len(m.cameras))
	for _, cam := range m.cameras {
		cams = append(cams, cam)
	}
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, cam := range cams {
			cam.session.Close()
		}
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("カメラの停止が完了しませんでした: %w", ctx.Err())
	}
}

// GetCameras は管理中のカメラの状態をID順に返す
func (m *Manager) GetCameras() []CameraStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]CameraStatus, 0, len(m.cameras))
	for _, cam := range m.cameras {
		result = append(result, m.statusLocked(cam))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// GetCamera は指定されたIDのカメラの状態を返す
func (m *Manager) GetCamera(id string) (CameraStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cam, exists := m.cameras[id]
	if !exists {
		return CameraStatus{}, false
	}
	return m.statusLocked(cam), true
}

// Session は指定されたIDのセッションを返す
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cam, exists := m.cameras[id]
	if !exists {
		return nil, false
	}
	return cam.session, true
}

// StartCamera はカメラをオープンする
func (m *Manager) StartCamera(ctx context.Context, id string) error {
	m.mu.RLock()
	cam, exists := m.cameras[id]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrCameraNotFound, id)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cam.session.Open(cam.spec.Config); err != nil {
		return fmt.Errorf("カメラ %s の開始に失敗: %w", id, err)
	}
	return nil
}

// StopCamera はカメラを閉じる
func (m *Manager) StopCamera(_ context.Context, id string) error {
	m.mu.RLock()
	cam, exists := m.cameras[id]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrCameraNotFound, id)
	}
	cam.session.Close()
	return nil
}

// Devices は接続されているセンサーを列挙する
func (m *Manager) Devices() ([]DeviceInfo, error) {
	p, err := m.registry.Provider()
	if err != nil {
		return nil, err
	}
	devices, err := p.Devices()
	if err != nil {
		return nil, fmt.Errorf("デバイスの列挙に失敗: %w", err)
	}
	return devices, nil
}

func (m *Manager) statusLocked(cam *managedCamera) CameraStatus {
	s := cam.session
	st := CameraStatus{
		ID:               cam.spec.ID,
		Name:             cam.spec.Name,
		State:            s.State().String(),
		DeviceState:      m.registry.State(cam.spec.Config.DeviceID).String(),
		Config:           cam.spec.Config,
		Generation:       s.Generation(),
		Stats:            s.Stats(),
		FrameAllocations: s.FrameAllocations(),
		LastSeen:         cam.lastSeen,
	}
	if err := s.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

// backgroundReport は定期的にカメラの状態を確認してログに出す
func (m *Manager) backgroundReport(ctx context.Context, stopCh <-chan struct{}, interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.report()
		}
	}
}

func (m *Manager) report() {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, cam := range m.cameras {
		stats := cam.session.Stats()
		if stats.FramesPublished > cam.published {
			cam.published = stats.FramesPublished
			cam.lastSeen = now
		}

		entry := m.log.WithFields(logrus.Fields{
			"camera":    id,
			"state":     cam.session.State().String(),
			"published": stats.FramesPublished,
			"dropped":   stats.FramesDropped,
			"reboots":   stats.Reboots,
		})
		if err := cam.session.Err(); err != nil && errors.Is(err, ErrRebootFailed) {
			entry.WithError(err).Error("カメラは再起動に失敗したまま停止しています")
			continue
		}
		entry.Debug("カメラ状態")
	}
}
