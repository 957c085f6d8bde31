package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"
)

// videodev2.h 由来の標準コントロールID
const (
	ctrlContrast       = 0x00980901 // V4L2_CID_CONTRAST
	ctrlSaturation     = 0x00980902 // V4L2_CID_SATURATION
	ctrlSharpness      = 0x0098091b // V4L2_CID_SHARPNESS
	ctrlFocusAbsolute  = 0x009a090a // V4L2_CID_FOCUS_ABSOLUTE
	ctrlFocusAuto      = 0x009a090c // V4L2_CID_FOCUS_AUTO
	ctrlAutoFocusStart = 0x009a091c // V4L2_CID_AUTO_FOCUS_START
)

// ストリーミングのフレームレート
const v4l2FPS = 15

// V4L2Device はgo4vl経由でV4L2デバイスを扱うDevice実装
//
// フォーマット変更はストリーミング停止を要求されるため、
// モード切替のたびにデバイスを開き直す。フレーム待ちはロック外で
// 行い、ハング時でもCloseによる強制解放を妨げない
type V4L2Device struct {
	cfg Config

	mu         sync.Mutex
	dev        *device.Device
	frames     <-chan []byte
	mode       Mode
	width      int
	height     int
	controls   Controls
	focusState FocusState
	closed     bool
}

// NewV4L2Device は新しいV4L2Deviceを作成する
func NewV4L2Device(cfg Config) *V4L2Device {
	return &V4L2Device{
		cfg:        cfg,
		focusState: FocusUnknown,
	}
}

// Configure はモードに応じたピクセルフォーマットと解像度でデバイスを開き直す
func (d *V4L2Device) Configure(ctx context.Context, mode Mode, params ModeParams) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return errors.New("デバイスは解放済みです")
	}

	// フォーマット変更にはストリーミング停止が必要なため開き直す
	if d.dev != nil {
		_ = d.dev.Close()
		d.dev = nil
		d.frames = nil
	}

	var pixFmt uint32
	switch mode {
	case ModeRawStill:
		pf, err := fourCC(d.cfg.RawFourCC)
		if err != nil {
			return fmt.Errorf("RAWフォーマットの解釈に失敗: %w", err)
		}
		pixFmt = pf
	default:
		pixFmt = uint32(v4l2.PixelFmtMJPEG)
	}

	// Raspberry Pi向けの控えめなバッファサイズ見積もり
	bufSize := params.Resolution.Width * params.Resolution.Height * 2

	dev, err := device.Open(d.cfg.DevicePath,
		device.WithIOType(v4l2.IOTypeMMAP),
		device.WithPixFormat(v4l2.PixFormat{
			PixelFormat: pixFmt,
			Width:       uint32(params.Resolution.Width),
			Height:      uint32(params.Resolution.Height),
			Field:       v4l2.FieldNone,
		}),
		device.WithBufferSize(uint32(bufSize)),
		device.WithFPS(v4l2FPS),
	)
	if err != nil {
		return fmt.Errorf("V4L2デバイス %s のオープンに失敗: %w", d.cfg.DevicePath, err)
	}

	d.dev = dev
	d.mode = mode
	d.width = params.Resolution.Width
	d.height = params.Resolution.Height
	return nil
}

// Start はストリーミングを開始する
func (d *V4L2Device) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return errors.New("デバイスは解放済みです")
	}
	if d.dev == nil {
		return errors.New("デバイスが開かれていません")
	}

	if err := d.dev.Start(ctx); err != nil {
		return fmt.Errorf("ストリーミングの開始に失敗: %w", err)
	}
	d.frames = d.dev.GetOutput()
	return nil
}

// Stop はストリーミングを停止する
func (d *V4L2Device) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dev == nil {
		return nil
	}
	d.frames = nil
	if err := d.dev.Stop(); err != nil {
		return fmt.Errorf("ストリーミングの停止に失敗: %w", err)
	}
	return nil
}

// Capture はストリームから1フレーム取得する
func (d *V4L2Device) Capture(ctx context.Context, spec CaptureSpec) (*CaptureData, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errors.New("デバイスは解放済みです")
	}
	frames := d.frames
	width, height := d.width, d.height
	md := d.metadataLocked()
	d.mu.Unlock()

	if frames == nil {
		return nil, errors.New("ストリームが開始されていません")
	}

	// フレーム待ちはロック外で行う。デバイスがCloseされると
	// 出力チャネルが閉じ、ハング中でもここから復帰できる
	var buf []byte
	select {
	case frame, ok := <-frames:
		if !ok {
			return nil, errors.New("撮影中にストリームが閉じられました")
		}
		// バッファが再利用される前に複製する
		buf = make([]byte, len(frame))
		copy(buf, frame)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	data := &CaptureData{
		Width:    width,
		Height:   height,
		Metadata: md,
	}

	switch {
	case spec.Mode == ModeRawStill:
		// センサーダンプはメモリ上で後段の現像処理へ渡す
		data.Raw = buf
		data.Format = "raw"
	case spec.Stream:
		data.Raw = buf
		data.Format = "jpg"
	default:
		if err := os.WriteFile(spec.OutputPath, buf, 0644); err != nil {
			return nil, fmt.Errorf("画像の書き込みに失敗: %w", err)
		}
		data.FilePath = spec.OutputPath
		data.FileSize = int64(len(buf))
		data.Format = "jpg"
	}

	return data, nil
}

// GetMetadata は現在のメタデータを返す
// V4L2ではセンサーメタデータの取得手段が限られるため、
// 最後に適用した制御値からの推定値になる
func (d *V4L2Device) GetMetadata(ctx context.Context) (CaptureMetadata, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return CaptureMetadata{}, errors.New("デバイスは解放済みです")
	}
	return d.metadataLocked(), nil
}

func (d *V4L2Device) metadataLocked() CaptureMetadata {
	return CaptureMetadata{
		AnalogueGain:   d.controls.AnalogueGain,
		ExposureTimeUs: d.controls.ExposureTimeUs,
		LensPosition:   d.controls.LensPosition,
		FocusState:     d.focusState,
	}
}

// SetControls は制御値をデバイスへ適用する
// 対応するコントロールはデバイスごとに異なるため、個々の失敗は無視する
func (d *V4L2Device) SetControls(ctx context.Context, controls Controls) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return errors.New("デバイスは解放済みです")
	}
	if d.dev == nil {
		return errors.New("デバイスが開かれていません")
	}

	type ctrl struct {
		id    uint32
		value int32
	}

	var ctrls []ctrl

	// 露出: 1=手動 3=自動（絞り優先）
	if controls.AeEnabled {
		ctrls = append(ctrls, ctrl{v4l2.CtrlExposureAuto, 3})
	} else {
		ctrls = append(ctrls,
			ctrl{v4l2.CtrlExposureAuto, 1},
			ctrl{v4l2.CtrlExposureAbsolute, int32(controls.ExposureTimeUs / 100)}, // 100µs単位
			ctrl{v4l2.CtrlGain, int32(controls.AnalogueGain * 100)},
		)
	}

	ctrls = append(ctrls,
		ctrl{ctrlContrast, int32(controls.Contrast * 100)},
		ctrl{ctrlSaturation, int32(controls.Saturation * 100)},
		ctrl{ctrlSharpness, int32(controls.Sharpness * 100)},
	)

	if controls.FocusLocked {
		ctrls = append(ctrls,
			ctrl{ctrlFocusAuto, 0},
			ctrl{ctrlFocusAbsolute, int32(controls.LensPosition * 10)},
		)
	} else {
		ctrls = append(ctrls, ctrl{ctrlFocusAuto, 1})
	}

	for _, c := range ctrls {
		_ = d.dev.SetControlValue(c.id, c.value)
	}

	d.controls = controls
	return nil
}

// TriggerAutofocus はワンショットAFを開始する
// V4L2では合焦状態を問い合わせる標準手段が乏しいため、開始後は合焦扱いにする
func (d *V4L2Device) TriggerAutofocus(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return errors.New("デバイスは解放済みです")
	}
	if d.dev == nil {
		return errors.New("デバイスが開かれていません")
	}

	_ = d.dev.SetControlValue(ctrlFocusAuto, 1)
	_ = d.dev.SetControlValue(ctrlAutoFocusStart, 1)
	d.focusState = FocusFocused
	return nil
}

// Close はデバイスを解放し、フレーム待ち中の撮影を解除する
// 強制リセット経路から撮影中に呼ばれることを許容する
func (d *V4L2Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	if d.dev == nil {
		return nil
	}
	dev := d.dev
	d.dev = nil
	d.frames = nil

	if err := dev.Close(); err != nil {
		return fmt.Errorf("デバイスのクローズに失敗: %w", err)
	}
	return nil
}

// fourCC は4文字コードをV4L2のピクセルフォーマット値へ変換する
func fourCC(code string) (uint32, error) {
	if len(code) != 4 {
		return 0, fmt.Errorf("FourCCは4文字である必要があります: %q", code)
	}
	b := []byte(code)
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}
