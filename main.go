package main

import (
	"context"
	"flag"
	"log"

	"shunsatsu/internal/config"
	"shunsatsu/internal/server"
)

func main() {
	// コマンドラインオプション
	configPath := flag.String("config", "", "設定ファイルのパス (YAML)")
	flag.Parse()

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// サーバーを作成
	srv, err := server.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("サーバーの作成に失敗しました: %v", err)
	}

	// サーバーを起動
	if err := srv.Start(context.Background()); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
