package camera

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ProviderFactory はProviderを生成する関数
type ProviderFactory func() (Provider, error)

// DeviceRegistry は同一プロセス内のセッションが共有するプロバイダーとデバイス状態表
// セッションはAcquire/Releaseで参照を持ち、最後の参照が外れるとプロバイダーを閉じる
type DeviceRegistry struct {
	mu       sync.Mutex
	factory  ProviderFactory
	provider Provider
	refs     int
	created  int
	states   [MaxDevices]DeviceState
	log      *logrus.Entry
}

// NewDeviceRegistry は新しいDeviceRegistryを作成する
func NewDeviceRegistry(factory ProviderFactory) *DeviceRegistry {
	return &DeviceRegistry{
		factory: factory,
		log:     logrus.WithField("component", "registry"),
	}
}

// Acquire は参照を1つ増やし、プロバイダーを返す
func (r *DeviceRegistry) Acquire() (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.providerLocked()
	if err != nil {
		return nil, err
	}
	r.refs++
	return p, nil
}

// Release は参照を1つ減らす。0になるとプロバイダーを閉じて状態表を初期化する
func (r *DeviceRegistry) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.refs == 0 {
		return
	}
	r.refs--
	if r.refs == 0 {
		r.teardownLocked()
	}
}

// Provider はプロバイダーを返す。未生成なら生成する
func (r *DeviceRegistry) Provider() (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.providerLocked()
}

func (r *DeviceRegistry) providerLocked() (Provider, error) {
	if r.provider != nil {
		return r.provider, nil
	}
	if r.factory == nil {
		return nil, fmt.Errorf("%w: プロバイダーの生成関数がありません", ErrDeviceUnavailable)
	}

	p, err := r.factory()
	if err != nil {
		return nil, fmt.Errorf("%w: プロバイダーの作成に失敗: %v", ErrDeviceUnavailable, err)
	}
	r.provider = p
	r.created++
	r.log.WithField("generation", r.created).Debug("プロバイダーを作成しました")
	return p, nil
}

// Teardown はプロバイダーを破棄し、全デバイスをOffに戻す
// 次のProvider/Acquireで再生成される
func (r *DeviceRegistry) Teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardownLocked()
}

func (r *DeviceRegistry) teardownLocked() {
	if r.provider != nil {
		if err := r.provider.Close(); err != nil {
			r.log.WithError(err).Warn("プロバイダーの破棄に失敗")
		}
		r.provider = nil
	}
	for i := range r.states {
		r.states[i] = DeviceOff
	}
}

// SetState はデバイスの状態を記録する。範囲外のIDは無視する
func (r *DeviceRegistry) SetState(id int, st DeviceState) {
	if id < 0 || id >= MaxDevices {
		return
	}
	r.mu.Lock()
	r.states[id] = st
	r.mu.Unlock()
}

// State はデバイスの状態を返す
func (r *DeviceRegistry) State(id int) DeviceState {
	if id < 0 || id >= MaxDevices {
		return DeviceOff
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[id]
}

// AnyOpening はオープン処理中のデバイスがあるかを返す
func (r *DeviceRegistry) AnyOpening() bool {
	return r.any(DeviceOpening)
}

// AnyFrozen はフリーズ中(再起動中)のデバイスがあるかを返す
func (r *DeviceRegistry) AnyFrozen() bool {
	return r.any(DeviceFrozen)
}

func (r *DeviceRegistry) any(st DeviceState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == st {
			return true
		}
	}
	return false
}

// Snapshot は状態表のコピーを返す
func (r *DeviceRegistry) Snapshot() [MaxDevices]DeviceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states
}

// ProvidersCreated はこれまでに生成したプロバイダーの数を返す
func (r *DeviceRegistry) ProvidersCreated() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created
}

// Refs は現在の参照数を返す
func (r *DeviceRegistry) Refs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs
}
