package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"shunsatsu/internal/camera"
	"shunsatsu/internal/indicator"
	"shunsatsu/internal/processing"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Camera     camera.Config     `yaml:"camera"`
	Processing processing.Config `yaml:"processing"`
	Indicator  indicator.Config  `yaml:"indicator"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト
}

// Load は設定を読み込む
// デフォルト値 → YAMLファイル → 環境変数の順で上書きする
// pathが空の場合はCONFIG_FILE環境変数を参照し、それも空ならデフォルトのみ
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			ReadTimeout: 10 * time.Second,
			// 監視タイムアウトと自動復旧を含む撮影要求を収められる長さ
			WriteTimeout: 60 * time.Second,
		},
		Camera:     camera.DefaultConfig(),
		Processing: processing.DefaultConfig(),
		Indicator:  indicator.DefaultConfig(),
	}

	// サブディレクトリは出力ルートから導出するため一旦空にする
	cfg.Processing.RawDir = ""
	cfg.Processing.EncodedDir = ""

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)
	cfg.applyDerivedPaths()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// loadFile はYAMLファイルの内容をcfgへ上書きする
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("設定ファイルの解析に失敗: %w", err)
	}
	return nil
}

// applyEnvOverrides は環境変数による上書きを適用する
func applyEnvOverrides(cfg *Config) {
	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvAsIntOrDefault("PORT", cfg.Server.Port)
	cfg.Camera.OutputDir = getEnvOrDefault("OUTPUT_DIR", cfg.Camera.OutputDir)
	cfg.Camera.DevicePath = getEnvOrDefault("CAMERA_DEVICE", cfg.Camera.DevicePath)
	cfg.Camera.DeviceType = getEnvOrDefault("CAMERA_TYPE", cfg.Camera.DeviceType)
	cfg.Processing.Capacity = getEnvAsIntOrDefault("QUEUE_CAPACITY", cfg.Processing.Capacity)
}

// applyDerivedPaths は未指定のサブディレクトリを出力ルートから導出する
func (c *Config) applyDerivedPaths() {
	if c.Camera.StillDir == "" {
		c.Camera.StillDir = filepath.Join(c.Camera.OutputDir, "jpg")
	}
	if c.Processing.RawDir == "" {
		c.Processing.RawDir = filepath.Join(c.Camera.OutputDir, "raw")
	}
	if c.Processing.EncodedDir == "" {
		c.Processing.EncodedDir = filepath.Join(c.Camera.OutputDir, "dng")
	}
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	if err := c.Camera.Validate(); err != nil {
		return fmt.Errorf("カメラ設定: %w", err)
	}

	if err := c.Processing.Validate(); err != nil {
		return fmt.Errorf("現像設定: %w", err)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// SequenceDirs は連番走査の対象ディレクトリを返す
// 全出力先を見ることで形式をまたいだ連番の衝突を防ぐ
func (c *Config) SequenceDirs() []string {
	return []string{c.Camera.StillDir, c.Processing.RawDir, c.Processing.EncodedDir}
}

// CaptureDirs は撮影一覧の対象ディレクトリを返す
func (c *Config) CaptureDirs() []string {
	return []string{c.Camera.StillDir, c.Processing.EncodedDir}
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
