package camera

import (
	"context"
	"os"
	"os/exec"
	"strings"
)

// ProbeResult はデバイス検出の結果
type ProbeResult struct {
	Backend    string `json:"backend"`
	DevicePath string `json:"device_path"`
	Available  bool   `json:"available"`
	Name       string `json:"name"`
}

// DetectBackend は利用可能なカメラバックエンドを判定する
// rpicam-appsが応答すればCSIカメラ、V4L2デバイスが応答すればV4L2、
// いずれもなければモックへフォールバックする
func DetectBackend(ctx context.Context, cfg Config) string {
	if hasRpicamCamera(ctx) {
		return DeviceRpicam
	}
	if isV4L2Available(ctx, cfg.DevicePath) {
		return DeviceV4L2
	}
	return DeviceMock
}

// Probe は状態表示用のデバイス情報を取得する
func Probe(ctx context.Context, cfg Config) ProbeResult {
	backend := cfg.DeviceType
	if backend == DeviceAuto {
		backend = DetectBackend(ctx, cfg)
	}

	result := ProbeResult{
		Backend:    backend,
		DevicePath: cfg.DevicePath,
	}

	switch backend {
	case DeviceMock:
		result.Available = true
		result.Name = "モックカメラ"
	case DeviceRpicam:
		result.Available = hasRpicamCamera(ctx)
		result.Name = rpicamCameraName(ctx)
	case DeviceV4L2:
		result.Available = isV4L2Available(ctx, cfg.DevicePath)
		result.Name = v4l2CardName(ctx, cfg.DevicePath)
	}

	return result
}

// hasRpicamCamera はrpicam-appsがカメラを列挙できるかチェックする
func hasRpicamCamera(ctx context.Context) bool {
	if _, err := exec.LookPath(rpicamStillCmd); err != nil {
		return false
	}

	cmd := exec.CommandContext(ctx, rpicamStillCmd, "--list-cameras")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return false
	}

	lower := strings.ToLower(string(output))
	if strings.Contains(lower, "no cameras") {
		return false
	}
	return strings.Contains(lower, "camera")
}

// rpicamCameraName は列挙結果からセンサー名を抽出する
// 出力例: "0 : imx708 [4608x2592 10-bit RGGB] (/base/soc/i2c0mux/i2c@1/imx708@1a)"
func rpicamCameraName(ctx context.Context) string {
	cmd := exec.CommandContext(ctx, rpicamStillCmd, "--list-cameras")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return ""
	}

	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if !strings.Contains(line, " : ") {
			continue
		}
		parts := strings.SplitN(line, " : ", 2)
		if len(parts) != 2 {
			continue
		}
		fields := strings.Fields(parts[1])
		if len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

// isV4L2Available はV4L2デバイスが応答するかチェックする
func isV4L2Available(ctx context.Context, devicePath string) bool {
	if _, err := os.Stat(devicePath); os.IsNotExist(err) {
		return false
	}

	cmd := exec.CommandContext(ctx, "v4l2-ctl", "--device", devicePath, "--info")
	return cmd.Run() == nil
}

// v4l2CardName はv4l2-ctlの出力からデバイス名を取得する
func v4l2CardName(ctx context.Context, devicePath string) string {
	cmd := exec.CommandContext(ctx, "v4l2-ctl", "--device", devicePath, "--info")
	output, err := cmd.Output()
	if err != nil {
		return ""
	}

	// "Card type" の行から名前を抽出する
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Card type") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				return strings.TrimSpace(parts[1])
			}
		}
	}
	return ""
}
