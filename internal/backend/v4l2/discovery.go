package v4l2

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/vladimirvivien/go4vl/device"
	"golang.org/x/sys/unix"

	"gmslcapture/internal/camera"
)

var videoNodePattern = regexp.MustCompile(`^video(\d+)$`)

// probeResult はデバイスノードを開いて得た情報
type probeResult struct {
	Card    string
	Driver  string
	Capture bool
}

// probeFunc はデバイスノードの情報を取得する関数
type probeFunc func(path string) (probeResult, error)

// Discovery は /dev/video* からキャプチャデバイスを検出する
type Discovery struct {
	pattern string
	probe   probeFunc
}

// NewDiscovery は新しいDiscoveryを作成する
func NewDiscovery() *Discovery {
	return &Discovery{pattern: "/dev/video*", probe: probeDevice}
}

// node は検出したデバイスノード
type node struct {
	path string
	info probeResult
}

// Scan はキャプチャ可能なデバイスを番号順に返す
// 同じカードが複数のノードを持つ場合は最も小さい番号だけを残す
func (d *Discovery) Scan(ctx context.Context) ([]node, error) {
	matches, err := filepath.Glob(d.pattern)
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	matches = filterVideoNodes(matches)
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	seen := make(map[string]bool)
	var nodes []node
	for _, path := range matches {
		select {
		case <-ctx.Done():
			return nodes, ctx.Err()
		default:
		}

		if !isAccessible(path) {
			continue
		}
		info, err := d.probe(path)
		if err != nil || !info.Capture {
			continue
		}
		// メタデータ用などの副ノードを除外
		if info.Card != "" && seen[info.Card] {
			continue
		}
		seen[info.Card] = true
		nodes = append(nodes, node{path: path, info: info})
	}
	return nodes, nil
}

// Devices はScanの結果をDeviceInfoに変換する。IDは検出順
func (d *Discovery) Devices(ctx context.Context) ([]camera.DeviceInfo, []string, error) {
	nodes, err := d.Scan(ctx)
	if err != nil {
		return nil, nil, err
	}
	if len(nodes) > camera.MaxDevices {
		nodes = nodes[:camera.MaxDevices]
	}

	infos := make([]camera.DeviceInfo, 0, len(nodes))
	paths := make([]string, 0, len(nodes))
	for i, n := range nodes {
		name := n.info.Card
		if name == "" {
			name = fmt.Sprintf("カメラ %d", extractDeviceNumber(n.path))
		}
		infos = append(infos, camera.DeviceInfo{
			ID:        i,
			Name:      name,
			Path:      n.path,
			Available: true,
		})
		paths = append(paths, n.path)
	}
	return infos, paths, nil
}

// isAccessible はデバイスファイルが存在し読み書きできるかチェックする
// キャプチャのioctlには書き込み権限も必要
func isAccessible(path string) bool {
	return unix.Access(path, unix.R_OK|unix.W_OK) == nil
}

// probeDevice はgo4vlでデバイスを開いてケーパビリティを読む
func probeDevice(path string) (probeResult, error) {
	dev, err := device.Open(path)
	if err != nil {
		return probeResult{}, err
	}
	defer func() {
		_ = dev.Close()
	}()

	caps := dev.Capability()
	return probeResult{
		Card:    caps.Card,
		Driver:  caps.Driver,
		Capture: caps.IsVideoCaptureSupported(),
	}, nil
}

func filterVideoNodes(paths []string) []string {
	out := paths[:0]
	for _, p := range paths {
		if videoNodePattern.MatchString(filepath.Base(p)) {
			out = append(out, p)
		}
	}
	return out
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(path string) int {
	m := videoNodePattern.FindStringSubmatch(filepath.Base(path))
	if len(m) < 2 {
		return -1
	}
	num, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return num
}
