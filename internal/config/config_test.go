package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// clearEnv は設定に影響する環境変数をテストの間だけ消す
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONFIG_FILE", "SERVER_HOST", "PORT",
		"OUTPUT_DIR", "CAMERA_DEVICE", "CAMERA_TYPE", "QUEUE_CAPACITY",
	} {
		t.Setenv(key, "")
	}
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 8080 {
		t.Errorf("Unexpected server defaults: %s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 10*time.Second || cfg.Server.WriteTimeout != 60*time.Second {
		t.Errorf("Unexpected timeout defaults: read=%v write=%v",
			cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)
	}
	if cfg.Camera.OutputDir != "photos" {
		t.Errorf("Unexpected output dir: %s", cfg.Camera.OutputDir)
	}

	// サブディレクトリは出力ルートから導出される
	if cfg.Camera.StillDir != filepath.Join("photos", "jpg") {
		t.Errorf("Unexpected still dir: %s", cfg.Camera.StillDir)
	}
	if cfg.Processing.RawDir != filepath.Join("photos", "raw") {
		t.Errorf("Unexpected raw dir: %s", cfg.Processing.RawDir)
	}
	if cfg.Processing.EncodedDir != filepath.Join("photos", "dng") {
		t.Errorf("Unexpected encoded dir: %s", cfg.Processing.EncodedDir)
	}

	// GPIOのない環境を壊さないようLEDは無効がデフォルト
	if cfg.Indicator.Enabled {
		t.Error("Expected indicator to be disabled by default")
	}

	if cfg.ServerAddress() != "0.0.0.0:8080" {
		t.Errorf("Unexpected server address: %s", cfg.ServerAddress())
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	clearEnv(t)

	path := writeConfigFile(t, `
server:
  host: 127.0.0.1
  port: 9090
camera:
  device_type: mock
  output_dir: /data/photos
processing:
  capacity: 5
indicator:
  enabled: true
  pin: 27
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9090 {
		t.Errorf("Unexpected server config: %s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Camera.DeviceType != "mock" {
		t.Errorf("Unexpected device type: %s", cfg.Camera.DeviceType)
	}
	if cfg.Processing.Capacity != 5 {
		t.Errorf("Unexpected capacity: %d", cfg.Processing.Capacity)
	}
	if !cfg.Indicator.Enabled || cfg.Indicator.Pin != 27 {
		t.Errorf("Unexpected indicator config: %+v", cfg.Indicator)
	}

	// 導出ディレクトリは設定された出力ルートに従う
	if cfg.Camera.StillDir != "/data/photos/jpg" {
		t.Errorf("Unexpected still dir: %s", cfg.Camera.StillDir)
	}
	if cfg.Processing.RawDir != "/data/photos/raw" {
		t.Errorf("Unexpected raw dir: %s", cfg.Processing.RawDir)
	}
}

func TestLoad_ExplicitDirsArePreserved(t *testing.T) {
	clearEnv(t)

	path := writeConfigFile(t, `
camera:
  output_dir: /data/photos
  still_dir: /mnt/stills
processing:
  raw_dir: /mnt/raw
  encoded_dir: /mnt/dng
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Camera.StillDir != "/mnt/stills" {
		t.Errorf("Expected explicit still dir, got %s", cfg.Camera.StillDir)
	}
	if cfg.Processing.RawDir != "/mnt/raw" || cfg.Processing.EncodedDir != "/mnt/dng" {
		t.Errorf("Expected explicit processing dirs, got raw=%s encoded=%s",
			cfg.Processing.RawDir, cfg.Processing.EncodedDir)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SERVER_HOST", "192.168.1.10")
	t.Setenv("PORT", "9000")
	t.Setenv("OUTPUT_DIR", "/tmp/shots")
	t.Setenv("CAMERA_TYPE", "mock")
	t.Setenv("QUEUE_CAPACITY", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Host != "192.168.1.10" || cfg.Server.Port != 9000 {
		t.Errorf("Unexpected server config: %s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Camera.OutputDir != "/tmp/shots" || cfg.Camera.DeviceType != "mock" {
		t.Errorf("Unexpected camera config: dir=%s type=%s",
			cfg.Camera.OutputDir, cfg.Camera.DeviceType)
	}
	if cfg.Processing.Capacity != 3 {
		t.Errorf("Unexpected capacity: %d", cfg.Processing.Capacity)
	}
	if cfg.Processing.RawDir != "/tmp/shots/raw" {
		t.Errorf("Expected derived raw dir, got %s", cfg.Processing.RawDir)
	}
}

func TestLoad_EnvBeatsFile(t *testing.T) {
	clearEnv(t)
	path := writeConfigFile(t, "server:\n  port: 9090\n")
	t.Setenv("PORT", "9100")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Expected env override to win, got %d", cfg.Server.Port)
	}
}

func TestLoad_ConfigFileEnv(t *testing.T) {
	clearEnv(t)
	path := writeConfigFile(t, "server:\n  port: 9191\n")
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("Expected config from CONFIG_FILE, got port %d", cfg.Server.Port)
	}
}

func TestLoad_MalformedNumberFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "not-a-number")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Expected default port for malformed value, got %d", cfg.Server.Port)
	}
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)

	// 存在しない設定ファイル
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing config file")
	}

	// 壊れたYAML
	path := writeConfigFile(t, "server: [broken")
	if _, err := Load(path); err == nil {
		t.Error("Expected error for malformed YAML")
	}

	// 検証に落ちる値
	t.Setenv("PORT", "70000")
	if _, err := Load(""); err == nil {
		t.Error("Expected validation error for out-of-range port")
	}
}

func TestConfig_DirHelpers(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	seqDirs := cfg.SequenceDirs()
	if len(seqDirs) != 3 {
		t.Fatalf("Expected 3 sequence dirs, got %v", seqDirs)
	}
	if seqDirs[0] != cfg.Camera.StillDir || seqDirs[1] != cfg.Processing.RawDir || seqDirs[2] != cfg.Processing.EncodedDir {
		t.Errorf("Unexpected sequence dirs: %v", seqDirs)
	}

	capDirs := cfg.CaptureDirs()
	if len(capDirs) != 2 || capDirs[0] != cfg.Camera.StillDir || capDirs[1] != cfg.Processing.EncodedDir {
		t.Errorf("Unexpected capture dirs: %v", capDirs)
	}
}
