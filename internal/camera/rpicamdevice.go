package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// rpicam-apps のコマンド名
const (
	rpicamStillCmd = "rpicam-still"
	rpicamRawCmd   = "rpicam-raw"
)

// afCenterWindow は中央40%領域のAFウィンドウ（正規化座標 x,y,w,h）
const afCenterWindow = "0.3,0.3,0.4,0.4"

// RpicamDevice はrpicam-apps経由でRaspberry Piカメラモジュールを扱うDevice実装
//
// CLIは1ショットごとにプロセスを起動するステートレスな方式のため、
// Configure/Start/Stopは設定の記録のみを行い、実際のデバイス操作は
// Captureのコマンド実行に集約される。プロセスはコンテキストに
// 紐づくので、監視側の中断でハングしたコマンドも回収できる
type RpicamDevice struct {
	cfg Config

	mu         sync.Mutex
	mode       Mode
	params     ModeParams
	controls   Controls
	focusState FocusState
	started    bool
	closed     bool
}

// NewRpicamDevice は新しいRpicamDeviceを作成する
// rpicam-stillが見つからない場合はエラーを返す
func NewRpicamDevice(cfg Config) (*RpicamDevice, error) {
	if _, err := exec.LookPath(rpicamStillCmd); err != nil {
		return nil, fmt.Errorf("%s が見つかりません: %w", rpicamStillCmd, err)
	}
	return &RpicamDevice{
		cfg:        cfg,
		focusState: FocusUnknown,
	}, nil
}

// Configure はモード設定を記録する
func (d *RpicamDevice) Configure(ctx context.Context, mode Mode, params ModeParams) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return errors.New("デバイスは解放済みです")
	}
	d.mode = mode
	d.params = params
	return nil
}

// Start はストリーム開始を記録する
func (d *RpicamDevice) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return errors.New("デバイスは解放済みです")
	}
	d.started = true
	return nil
}

// Stop はストリーム停止を記録する
func (d *RpicamDevice) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	return nil
}

// Capture は設定済みモードに応じたrpicamコマンドで1枚撮影する
func (d *RpicamDevice) Capture(ctx context.Context, spec CaptureSpec) (*CaptureData, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errors.New("デバイスは解放済みです")
	}
	if !d.started {
		d.mu.Unlock()
		return nil, errors.New("ストリームが開始されていません")
	}
	params := d.params
	controls := d.controls
	md := d.metadataLocked()
	d.mu.Unlock()

	switch {
	case spec.Mode == ModeRawStill:
		raw, err := d.captureRaw(ctx, params)
		if err != nil {
			return nil, err
		}
		return &CaptureData{
			Raw:      raw,
			Width:    params.Resolution.Width,
			Height:   params.Resolution.Height,
			Format:   "raw",
			Metadata: md,
		}, nil

	case spec.Stream:
		// 作業領域に書いて読み戻す
		tmpPath := filepath.Join(d.cfg.ScratchDir, fmt.Sprintf("frame_%s.jpg", uuid.NewString()))
		if err := d.captureStill(ctx, params, controls, tmpPath); err != nil {
			return nil, err
		}
		buf, err := os.ReadFile(tmpPath)
		if err != nil {
			return nil, fmt.Errorf("撮影結果の読み戻しに失敗: %w", err)
		}
		_ = os.Remove(tmpPath)
		return &CaptureData{
			Raw:      buf,
			Width:    params.Resolution.Width,
			Height:   params.Resolution.Height,
			Format:   "jpg",
			Metadata: md,
		}, nil

	default:
		if err := d.captureStill(ctx, params, controls, spec.OutputPath); err != nil {
			return nil, err
		}
		info, err := os.Stat(spec.OutputPath)
		if err != nil {
			return nil, fmt.Errorf("撮影結果の確認に失敗: %w", err)
		}
		return &CaptureData{
			FilePath: spec.OutputPath,
			FileSize: info.Size(),
			Width:    params.Resolution.Width,
			Height:   params.Resolution.Height,
			Format:   "jpg",
			Metadata: md,
		}, nil
	}
}

// captureStill はrpicam-stillでJPEGを撮影する
func (d *RpicamDevice) captureStill(ctx context.Context, params ModeParams, controls Controls, outPath string) error {
	args := d.stillArgs(params, controls, outPath)
	cmd := exec.CommandContext(ctx, rpicamStillCmd, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("静止画の撮影に失敗: %w (stderr: %s)", err, stderr.String())
	}
	return nil
}

// captureRaw はrpicam-rawでセンサーダンプを1フレーム取得してメモリへ読み戻す
func (d *RpicamDevice) captureRaw(ctx context.Context, params ModeParams) ([]byte, error) {
	tmpPath := filepath.Join(d.cfg.ScratchDir, fmt.Sprintf("raw_%s.raw", uuid.NewString()))
	defer func() { _ = os.Remove(tmpPath) }()

	args := []string{
		"-n",
		"-t", "1",
		"--frames", "1",
		"--width", strconv.Itoa(params.Resolution.Width),
		"--height", strconv.Itoa(params.Resolution.Height),
		"-o", tmpPath,
	}

	cmd := exec.CommandContext(ctx, rpicamRawCmd, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("RAWの撮影に失敗: %w (stderr: %s)", err, stderr.String())
	}

	raw, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("RAWの読み戻しに失敗: %w", err)
	}
	return raw, nil
}

// stillArgs は現在の設定と制御値からrpicam-stillの引数を組み立てる
func (d *RpicamDevice) stillArgs(params ModeParams, controls Controls, outPath string) []string {
	args := []string{
		"-n",
		"--immediate",
		"-t", "1",
		"--width", strconv.Itoa(params.Resolution.Width),
		"--height", strconv.Itoa(params.Resolution.Height),
		"-q", strconv.Itoa(d.cfg.JPEGQuality),
		"-o", outPath,
	}

	if params.VFlip {
		args = append(args, "--vflip")
	}
	if params.HFlip {
		args = append(args, "--hflip")
	}

	if !controls.AeEnabled {
		args = append(args,
			"--gain", fmt.Sprintf("%.2f", controls.AnalogueGain),
			"--shutter", strconv.Itoa(controls.ExposureTimeUs),
		)
	}

	args = append(args,
		"--contrast", fmt.Sprintf("%.2f", controls.Contrast),
		"--saturation", fmt.Sprintf("%.2f", controls.Saturation),
		"--sharpness", fmt.Sprintf("%.2f", controls.Sharpness),
	)

	if controls.FocusLocked {
		args = append(args,
			"--autofocus-mode", "manual",
			"--lens-position", fmt.Sprintf("%.2f", controls.LensPosition),
		)
	} else {
		args = append(args, "--autofocus-mode", "continuous")
		if params.AFWindow {
			args = append(args, "--autofocus-window", afCenterWindow)
		}
	}

	return args
}

// GetMetadata は現在のメタデータを返す
// ショットごとのプロセス起動のためセンサーメタデータは保持されず、
// 最後に適用した制御値からの推定値になる
func (d *RpicamDevice) GetMetadata(ctx context.Context) (CaptureMetadata, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return CaptureMetadata{}, errors.New("デバイスは解放済みです")
	}
	return d.metadataLocked(), nil
}

func (d *RpicamDevice) metadataLocked() CaptureMetadata {
	return CaptureMetadata{
		AnalogueGain:   d.controls.AnalogueGain,
		ExposureTimeUs: d.controls.ExposureTimeUs,
		LensPosition:   d.controls.LensPosition,
		FocusState:     d.focusState,
	}
}

// SetControls は次回以降の撮影コマンドへ反映する制御値を記録する
func (d *RpicamDevice) SetControls(ctx context.Context, controls Controls) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return errors.New("デバイスは解放済みです")
	}
	d.controls = controls
	return nil
}

// TriggerAutofocus はAFサイクル付きの捨て撮りを実行して合焦させる
func (d *RpicamDevice) TriggerAutofocus(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New("デバイスは解放済みです")
	}
	params := d.params
	d.mu.Unlock()

	tmpPath := filepath.Join(d.cfg.ScratchDir, fmt.Sprintf("af_%s.jpg", uuid.NewString()))
	defer func() { _ = os.Remove(tmpPath) }()

	args := []string{
		"-n",
		"-t", "1",
		"--width", strconv.Itoa(params.Resolution.Width),
		"--height", strconv.Itoa(params.Resolution.Height),
		"--autofocus-mode", "auto",
		"-o", tmpPath,
	}
	if params.AFWindow {
		args = append(args, "--autofocus-window", afCenterWindow)
	}

	cmd := exec.CommandContext(ctx, rpicamStillCmd, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	d.mu.Lock()
	defer d.mu.Unlock()

	if runErr != nil {
		d.focusState = FocusFailed
		return fmt.Errorf("オートフォーカスの実行に失敗: %w (stderr: %s)", runErr, stderr.String())
	}
	d.focusState = FocusFocused
	return nil
}

// Close はデバイスを解放する
// 実行中のコマンドはコンテキスト経由で終了するため、ここでは状態の無効化のみ行う
func (d *RpicamDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.started = false
	return nil
}
