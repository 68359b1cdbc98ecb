// Package app はバックエンドの選択からHTTPサーバーの停止までをまとめて起動する
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"gmslcapture/internal/backend/argus"
	"gmslcapture/internal/backend/v4l2"
	"gmslcapture/internal/camera"
	"gmslcapture/internal/config"
	"gmslcapture/internal/server"
)

// シミュレーターで用意するセンサー数
const simulatedSensors = 4

// Backends は利用可能なバックエンドを登録したファクトリを返す
func Backends() *camera.BackendFactory {
	f := camera.NewBackendFactory()
	f.Register("argus", argus.NewProvider)
	f.Register("v4l2", v4l2.NewProvider)

	rig := camera.NewSimulatedRig(nil)
	for id := 0; id < simulatedSensors; id++ {
		rig.AddSensor(id, fmt.Sprintf("Simulated sensor %d", id))
	}
	f.Register("simulated", rig.NewProvider)
	return f
}

// Run はカメラを開始してHTTPサーバーを動かし、ctxの終了かシグナルで全てを停止する
func Run(ctx context.Context, cfg *config.Config) error {
	cfg.ConfigureLogger(logrus.StandardLogger())
	log := logrus.WithField("component", "app")

	registry, err := Backends().NewRegistry(cfg.Camera.Backend)
	if err != nil {
		return fmt.Errorf("バックエンドの初期化に失敗: %w", err)
	}

	manager := camera.NewManager(registry, camera.WithTiming(cfg.CaptureTiming()))
	for _, spec := range cfg.CameraSpecs() {
		if err := manager.AddCamera(spec); err != nil {
			return fmt.Errorf("カメラの登録に失敗: %w", err)
		}
	}

	logDevices(log, manager)

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("カメラマネージャーの開始に失敗: %w", err)
	}

	srv := server.New(cfg, manager)
	log.WithFields(logrus.Fields{
		"addr":    cfg.ServerAddress(),
		"backend": cfg.Camera.Backend,
		"cameras": len(cfg.Camera.Devices),
	}).Info("サーバーを起動します")
	srvErr := srv.Start(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stopErr := manager.Stop(stopCtx)

	return errors.Join(srvErr, stopErr)
}

// logDevices は接続されているセンサーをログに出す
func logDevices(log *logrus.Entry, manager *camera.Manager) {
	devices, err := manager.Devices()
	if err != nil {
		log.WithError(err).Warn("センサーの列挙に失敗")
		return
	}
	if len(devices) == 0 {
		log.Warn("センサーが見つかりません")
		return
	}
	for _, d := range devices {
		log.WithFields(logrus.Fields{
			"id":        d.ID,
			"name":      d.Name,
			"path":      d.Path,
			"available": d.Available,
		}).Info("センサーを検出しました")
	}
}
