package camera

import (
	"fmt"
	"sort"
	"sync"
)

// BackendFactory はバックエンド名からProviderFactoryを引くファクトリー
type BackendFactory struct {
	mu       sync.RWMutex
	creators map[string]ProviderFactory
}

// NewBackendFactory は新しいファクトリーを作成する
func NewBackendFactory() *BackendFactory {
	return &BackendFactory{
		creators: make(map[string]ProviderFactory),
	}
}

// Register はバックエンドを登録する。同じ名前は上書きする
func (f *BackendFactory) Register(name string, creator ProviderFactory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creators[name] = creator
}

// Lookup は登録済みのProviderFactoryを返す
func (f *BackendFactory) Lookup(name string) (ProviderFactory, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	creator, exists := f.creators[name]
	if !exists {
		return nil, fmt.Errorf("サポートされていないバックエンド: %s (利用可能: %v)", name, f.namesLocked())
	}
	return creator, nil
}

// NewRegistry はバックエンドのプロバイダーを使うDeviceRegistryを作成する
func (f *BackendFactory) NewRegistry(name string) (*DeviceRegistry, error) {
	creator, err := f.Lookup(name)
	if err != nil {
		return nil, err
	}
	return NewDeviceRegistry(creator), nil
}

// SupportedBackends は登録済みのバックエンド名を返す
func (f *BackendFactory) SupportedBackends() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.namesLocked()
}

func (f *BackendFactory) namesLocked() []string {
	names := make([]string, 0, len(f.creators))
	for name := range f.creators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
