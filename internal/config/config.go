package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"gmslcapture/internal/camera"
)

// ErrInvalidConfig は設定値が不正であることを示す
var ErrInvalidConfig = errors.New("invalid config")

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
	Camera CameraConfig `yaml:"camera"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `yaml:"level"`  // logrusのレベル名
	Format string `yaml:"format"` // text または json
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	Backend string         `yaml:"backend"` // argus / v4l2 / simulated
	Devices []CameraDevice `yaml:"devices"`

	// デフォルト設定
	DefaultFPS      int `yaml:"default_fps"`      // フレームレート (fps)
	DefaultWidth    int `yaml:"default_width"`    // 画像幅
	DefaultHeight   int `yaml:"default_height"`   // 画像高さ
	DefaultChannels int `yaml:"default_channels"` // 3 (RGB) または 4 (RGBA)

	Timing TimingConfig `yaml:"timing"`
}

// TimingConfig はフリーズ判定と再起動の時間設定。0は既定値
type TimingConfig struct {
	WaitTimeout        time.Duration `yaml:"wait_timeout"`
	FreezeTimeout      time.Duration `yaml:"freeze_timeout"`
	StartupTimeout     time.Duration `yaml:"startup_timeout"`
	ControllerInterval time.Duration `yaml:"controller_interval"`
	RebootSettle       time.Duration `yaml:"reboot_settle"`
}

// CameraDevice は個別カメラの設定
type CameraDevice struct {
	ID       string `yaml:"id"`        // カメラID
	Name     string `yaml:"name"`      // カメラ名
	DeviceID int    `yaml:"device_id"` // センサー番号 (0-7)

	// カメラ固有の設定（デフォルト値より優先）
	FPS       int  `yaml:"fps"`
	Width     int  `yaml:"width"`
	Height    int  `yaml:"height"`
	Channels  int  `yaml:"channels"`
	SwapRB    bool `yaml:"swap_rb"`
	Verbose   int  `yaml:"verbose"`
	AutoStart bool `yaml:"autostart"`
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Camera: CameraConfig{
			Backend: "argus",
			Devices: []CameraDevice{
				{ID: "cam0", Name: "GMSL 0", DeviceID: 0, AutoStart: true},
			},
			DefaultFPS:      30,
			DefaultWidth:    1920,
			DefaultHeight:   1200,
			DefaultChannels: 4,
		},
	}
}

// DefaultConfigFile は指定がない場合に読む設定ファイル。存在しなければ使わない
const DefaultConfigFile = "config.yaml"

// Load は設定を読み込む
// pathが空ならCONFIG_FILE環境変数、それも空ならDefaultConfigFileを使う
// ファイルの値の後に環境変数で上書きする
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		}
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvAsIntOrDefault("PORT", cfg.Server.Port)
	cfg.Log.Level = getEnvOrDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Camera.Backend = getEnvOrDefault("CAPTURE_BACKEND", cfg.Camera.Backend)

	cfg.applyDefaults()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("設定ファイルの解析に失敗 %s: %w", path, err)
	}
	return nil
}

// applyDefaults はカメラ個別の未設定値をデフォルト値で埋める
func (c *Config) applyDefaults() {
	for i := range c.Camera.Devices {
		d := &c.Camera.Devices[i]
		if d.FPS == 0 {
			d.FPS = c.Camera.DefaultFPS
		}
		if d.Width == 0 {
			d.Width = c.Camera.DefaultWidth
		}
		if d.Height == 0 {
			d.Height = c.Camera.DefaultHeight
		}
		if d.Channels == 0 {
			d.Channels = c.Camera.DefaultChannels
		}
		if d.Name == "" {
			d.Name = d.ID
		}
	}
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: 無効なポート番号: %d", ErrInvalidConfig, c.Server.Port)
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: 無効なログレベル: %s", ErrInvalidConfig, c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("%w: 無効なログ形式: %s", ErrInvalidConfig, c.Log.Format)
	}

	if c.Camera.Backend == "" {
		return fmt.Errorf("%w: バックエンドが指定されていません", ErrInvalidConfig)
	}

	if len(c.Camera.Devices) == 0 {
		return fmt.Errorf("%w: カメラデバイスが設定されていません", ErrInvalidConfig)
	}

	ids := make(map[string]bool)
	sensors := make(map[int]string)
	for _, d := range c.Camera.Devices {
		if d.ID == "" {
			return fmt.Errorf("%w: カメラIDが空です", ErrInvalidConfig)
		}
		if ids[d.ID] {
			return fmt.Errorf("%w: カメラIDが重複しています: %s", ErrInvalidConfig, d.ID)
		}
		ids[d.ID] = true

		if d.DeviceID < 0 || d.DeviceID >= camera.MaxDevices {
			return fmt.Errorf("%w: カメラ %s のセンサー番号が範囲外です: %d", ErrInvalidConfig, d.ID, d.DeviceID)
		}
		if other, ok := sensors[d.DeviceID]; ok {
			return fmt.Errorf("%w: センサー %d はカメラ %s と重複しています", ErrInvalidConfig, d.DeviceID, other)
		}
		sensors[d.DeviceID] = d.ID

		if d.Width <= 0 || d.Height <= 0 || d.FPS <= 0 {
			return fmt.Errorf("%w: カメラ %s の解像度またはFPSが不正です", ErrInvalidConfig, d.ID)
		}
		if d.Channels != 3 && d.Channels != 4 {
			return fmt.Errorf("%w: カメラ %s のチャンネル数が不正です: %d", ErrInvalidConfig, d.ID, d.Channels)
		}
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// CaptureTiming はセッションに渡す時間設定を返す
func (c *Config) CaptureTiming() camera.Timing {
	t := c.Camera.Timing
	return camera.Timing{
		WaitTimeout:        t.WaitTimeout,
		FreezeTimeout:      t.FreezeTimeout,
		StartupTimeout:     t.StartupTimeout,
		ControllerInterval: t.ControllerInterval,
		RebootSettle:       t.RebootSettle,
	}
}

// CameraSpecs はマネージャーに登録するカメラ定義を返す
func (c *Config) CameraSpecs() []camera.CameraSpec {
	specs := make([]camera.CameraSpec, 0, len(c.Camera.Devices))
	for _, d := range c.Camera.Devices {
		specs = append(specs, camera.CameraSpec{
			ID:   d.ID,
			Name: d.Name,
			Config: camera.CaptureConfig{
				DeviceID: d.DeviceID,
				Width:    d.Width,
				Height:   d.Height,
				FPS:      d.FPS,
				Channels: d.Channels,
				SwapRB:   d.SwapRB,
				Verbose:  d.Verbose,
			},
			AutoStart: d.AutoStart,
		})
	}
	return specs
}

// ConfigureLogger はlogrusのレベルと形式を設定する
func (c *Config) ConfigureLogger(logger *logrus.Logger) {
	if level, err := logrus.ParseLevel(c.Log.Level); err == nil {
		logger.SetLevel(level)
	}
	if c.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
