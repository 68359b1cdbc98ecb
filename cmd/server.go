// Package main はgmslcaptureサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"gmslcapture/internal/app"
	"gmslcapture/internal/config"
)

func main() {
	// コマンドラインオプション
	var (
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		configFile = flag.String("config", "", "設定ファイル (YAML)")
		backend    = flag.String("backend", "", "キャプチャバックエンド ("+strings.Join(app.Backends().SupportedBackends(), ", ")+")")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("gmslcapture")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load(*configFile)
	if err != nil {
		logrus.WithError(err).Fatal("設定の読み込みに失敗しました")
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *backend != "" {
		cfg.Camera.Backend = *backend
	}
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("設定が不正です")
	}

	// サーバーを起動
	if err := app.Run(context.Background(), cfg); err != nil {
		logrus.WithError(err).Fatal("サーバーの起動に失敗しました")
	}
}
