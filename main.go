package main

import (
	"context"

	"github.com/sirupsen/logrus"

	"gmslcapture/internal/app"
	"gmslcapture/internal/config"
)

func main() {
	// 設定を読み込む (CONFIG_FILE と環境変数)
	cfg, err := config.Load("")
	if err != nil {
		logrus.WithError(err).Fatal("設定の読み込みに失敗しました")
	}

	// サーバーを起動
	if err := app.Run(context.Background(), cfg); err != nil {
		logrus.WithError(err).Fatal("サーバーの起動に失敗しました")
	}
}
