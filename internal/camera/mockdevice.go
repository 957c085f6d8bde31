package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// MockDevice はハードウェアなしで動作するDevice実装
// 開発環境とテストで使用し、失敗や遅延を外から注入できる
type MockDevice struct {
	mu sync.Mutex

	failConfigure      bool
	failConfigureTimes int
	failStart          bool
	failCapture        bool
	failAutofocus      bool
	captureDelay       time.Duration
	hangOnCapture      bool

	configured []Mode
	startCount int
	stopCount  int
	started    bool
	closed     bool
	closedCh   chan struct{}

	metadata CaptureMetadata
	controls Controls
	payload  []byte
}

// NewMockDevice は新しいMockDeviceを作成する
func NewMockDevice() *MockDevice {
	return &MockDevice{
		closedCh: make(chan struct{}),
		metadata: CaptureMetadata{
			AnalogueGain:   2.5,
			ExposureTimeUs: 16666,
			LensPosition:   1.5,
			FocusState:     FocusFocused,
		},
		payload: bytes.Repeat([]byte{0xD8, 0xFF}, 1024),
	}
}

// SetFailConfigure は設定適用を失敗させるかを切り替える
func (m *MockDevice) SetFailConfigure(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failConfigure = fail
}

// SetFailConfigureTimes は設定適用を指定回数だけ失敗させる
// 巻き戻しの検証用に「一度だけ失敗して次は成功する」状況を作れる
func (m *MockDevice) SetFailConfigureTimes(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failConfigureTimes = n
}

// SetFailStart はストリーム開始を失敗させるかを切り替える
func (m *MockDevice) SetFailStart(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failStart = fail
}

// SetFailCapture は撮影を失敗させるかを切り替える
func (m *MockDevice) SetFailCapture(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCapture = fail
}

// SetFailAutofocus はオートフォーカスを失敗させるかを切り替える
func (m *MockDevice) SetFailAutofocus(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAutofocus = fail
}

// SetCaptureDelay は撮影の所要時間を設定する
func (m *MockDevice) SetCaptureDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captureDelay = d
}

// SetHangOnCapture は撮影をCloseまたは中断まで返らなくする
func (m *MockDevice) SetHangOnCapture(hang bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hangOnCapture = hang
}

// SetMetadata は報告するメタデータを設定する
func (m *MockDevice) SetMetadata(md CaptureMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata = md
}

// Configure はモード設定の適用を記録する
func (m *MockDevice) Configure(ctx context.Context, mode Mode, params ModeParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("モック: デバイスは解放済みです")
	}
	if m.failConfigure {
		return errors.New("モック: 意図的な設定失敗")
	}
	if m.failConfigureTimes > 0 {
		m.failConfigureTimes--
		return errors.New("モック: 意図的な設定失敗")
	}
	m.configured = append(m.configured, mode)
	return nil
}

// Start はストリーム開始を記録する
func (m *MockDevice) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("モック: デバイスは解放済みです")
	}
	if m.failStart {
		return errors.New("モック: 意図的な開始失敗")
	}
	m.started = true
	m.startCount++
	return nil
}

// Stop はストリーム停止を記録する
func (m *MockDevice) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = false
	m.stopCount++
	return nil
}

// Capture は疑似画像を生成する
// OutputPathが指定されていればファイルとして書き出し、
// Streamまたは現像前提のモードではメモリ上のバッファを返す
func (m *MockDevice) Capture(ctx context.Context, spec CaptureSpec) (*CaptureData, error) {
	m.mu.Lock()
	fail := m.failCapture
	delay := m.captureDelay
	hang := m.hangOnCapture
	md := m.metadata
	payload := m.payload
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return nil, errors.New("モック: デバイスは解放済みです")
	}

	if hang {
		// 強制リセットまたは中断まで返らない
		select {
		case <-m.closedCh:
			return nil, errors.New("モック: 撮影中にデバイスが解放されました")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-m.closedCh:
			return nil, errors.New("モック: 撮影中にデバイスが解放されました")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if fail {
		return nil, errors.New("モック: 意図的な撮影失敗")
	}

	data := &CaptureData{
		Width:    4608,
		Height:   2592,
		Metadata: md,
	}

	switch {
	case spec.Mode == ModeRawStill:
		// 現像前提のモードはセンサーバッファをメモリで返す
		data.Raw = append([]byte(nil), payload...)
		data.Format = "raw"
	case spec.Stream:
		data.Raw = append([]byte(nil), payload...)
		data.Format = "jpg"
	default:
		if err := os.WriteFile(spec.OutputPath, payload, 0644); err != nil {
			return nil, fmt.Errorf("モック: ファイル書き込みに失敗: %w", err)
		}
		data.FilePath = spec.OutputPath
		data.FileSize = int64(len(payload))
		data.Format = "jpg"
	}

	return data, nil
}

// GetMetadata は設定されたメタデータを返す
func (m *MockDevice) GetMetadata(ctx context.Context) (CaptureMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return CaptureMetadata{}, errors.New("モック: デバイスは解放済みです")
	}
	if m.failAutofocus {
		md := m.metadata
		md.FocusState = FocusFailed
		return md, nil
	}
	return m.metadata, nil
}

// SetControls は適用された制御値を記録する
func (m *MockDevice) SetControls(ctx context.Context, controls Controls) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("モック: デバイスは解放済みです")
	}
	m.controls = controls
	return nil
}

// TriggerAutofocus はオートフォーカス開始を記録する
func (m *MockDevice) TriggerAutofocus(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("モック: デバイスは解放済みです")
	}
	return nil
}

// Close はデバイスを解放し、ハング中の撮影を解除する
// 強制リセット経路から撮影中に呼ばれることを許容する
func (m *MockDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.closedCh)
	return nil
}

// ConfiguredModes は適用されたモードの履歴を返す
func (m *MockDevice) ConfiguredModes() []Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Mode(nil), m.configured...)
}

// StartCount はストリーム開始の回数を返す
func (m *MockDevice) StartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCount
}

// LastControls は最後に適用された制御値を返す
func (m *MockDevice) LastControls() Controls {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.controls
}

// Closed はデバイスが解放済みかどうかを返す
func (m *MockDevice) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// MockDeviceFactory は作成したMockDeviceを記録するファクトリ
// 再初期化の検証で「新しいデバイスが作られたか」を確認できる
type MockDeviceFactory struct {
	mu       sync.Mutex
	devices  []*MockDevice
	failNext bool
	prepare  func(*MockDevice)
}

// NewMockDeviceFactory は新しいMockDeviceFactoryを作成する
// prepareは各デバイスの作成直後に呼ばれる（nil可）
func NewMockDeviceFactory(prepare func(*MockDevice)) *MockDeviceFactory {
	return &MockDeviceFactory{prepare: prepare}
}

// SetFailNext は次のデバイス作成を失敗させる
func (f *MockDeviceFactory) SetFailNext(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = fail
}

// Factory はDeviceFactoryとして使える関数を返す
func (f *MockDeviceFactory) Factory() DeviceFactory {
	return func() (Device, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failNext {
			f.failNext = false
			return nil, errors.New("モック: 意図的なデバイス作成失敗")
		}
		dev := NewMockDevice()
		if f.prepare != nil {
			f.prepare(dev)
		}
		f.devices = append(f.devices, dev)
		return dev, nil
	}
}

// Created は作成済みデバイスの一覧を返す
func (f *MockDeviceFactory) Created() []*MockDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*MockDevice(nil), f.devices...)
}

// Last は最後に作成されたデバイスを返す
func (f *MockDeviceFactory) Last() *MockDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.devices) == 0 {
		return nil
	}
	return f.devices[len(f.devices)-1]
}
