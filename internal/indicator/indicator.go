package indicator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/stianeikeland/go-rpio/v4"
)

// State はLEDの表示状態
type State string

const (
	// StateOff は消灯
	StateOff State = "off"
	// StateCapturing は撮影中の点灯
	StateCapturing State = "capturing"
	// StateProcessing は現像中の点滅
	StateProcessing State = "processing"
)

// Driver はLED出力の抽象
type Driver interface {
	On()
	Off()
	Close() error
}

// Config はLEDインジケーターの設定
type Config struct {
	Enabled       bool          `yaml:"enabled"`
	Pin           int           `yaml:"pin"`
	BlinkInterval time.Duration `yaml:"blink_interval"`
}

// DefaultConfig はデフォルト設定を返す
// GPIOを持たない開発環境を考慮して無効がデフォルト
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		Pin:           17,
		BlinkInterval: 250 * time.Millisecond,
	}
}

// RpioDriver はGPIOピンを直接駆動するDriver実装
// Raspberry Pi上で /dev/gpiomem へのアクセス権限が必要
type RpioDriver struct {
	pin rpio.Pin
}

// NewRpioDriver は指定ピンを出力モードで初期化する
func NewRpioDriver(pin int) (*RpioDriver, error) {
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("GPIOのオープンに失敗: %w", err)
	}
	p := rpio.Pin(pin)
	p.Output()
	return &RpioDriver{pin: p}, nil
}

// On はLEDを点灯する
func (r *RpioDriver) On() {
	r.pin.High()
}

// Off はLEDを消灯する
func (r *RpioDriver) Off() {
	r.pin.Low()
}

// Close はピンを安全な状態へ戻してGPIOを解放する
func (r *RpioDriver) Close() error {
	r.pin.Low()
	r.pin.Input()
	return rpio.Close()
}

// MockDriver はテスト用のDriver実装
type MockDriver struct {
	mu          sync.Mutex
	on          bool
	transitions int
}

// NewMockDriver は新しいMockDriverを作成する
func NewMockDriver() *MockDriver {
	return &MockDriver{}
}

// On は点灯を記録する
func (m *MockDriver) On() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.on {
		m.transitions++
	}
	m.on = true
}

// Off は消灯を記録する
func (m *MockDriver) Off() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.on {
		m.transitions++
	}
	m.on = false
}

// Close は何もしない
func (m *MockDriver) Close() error {
	return nil
}

// IsOn は現在の点灯状態を返す
func (m *MockDriver) IsOn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.on
}

// Transitions は点灯状態が切り替わった回数を返す
func (m *MockDriver) Transitions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitions
}

// Indicator は状態に応じたLED表示を管理する
// 撮影中は点灯、現像待ちがある間は点滅、待機中は消灯する
type Indicator struct {
	config Config
	driver Driver

	mu      sync.Mutex
	state   State
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New は新しいIndicatorを作成する
// driverがnilの場合、すべての操作は何もしない
func New(config Config, driver Driver) *Indicator {
	return &Indicator{
		config: config,
		driver: driver,
		state:  StateOff,
		stopCh: make(chan struct{}),
	}
}

// Start は表示更新ワーカーを開始する
func (i *Indicator) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.driver == nil || i.started {
		return nil
	}

	i.wg.Add(1)
	go i.run(ctx)
	i.started = true

	log.Printf("LEDインジケーターを開始 (GPIO %d)", i.config.Pin)
	return nil
}

// Set は表示状態を変更する
// 反映は次の更新タイミングで行われる
func (i *Indicator) Set(state State) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = state
}

// Stop はワーカーを停止してLEDを消灯する
func (i *Indicator) Stop(ctx context.Context) error {
	i.mu.Lock()
	if i.driver == nil || !i.started {
		i.mu.Unlock()
		return nil
	}
	i.started = false
	close(i.stopCh)
	i.mu.Unlock()

	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		log.Printf("LEDワーカーの停止がタイムアウトしました")
	case <-ctx.Done():
	}

	if err := i.driver.Close(); err != nil {
		return fmt.Errorf("LEDドライバーの解放に失敗: %w", err)
	}
	return nil
}

// run は表示更新ワーカー
func (i *Indicator) run(ctx context.Context) {
	defer i.wg.Done()

	ticker := time.NewTicker(i.config.BlinkInterval)
	defer ticker.Stop()

	blinkOn := false

	for {
		select {
		case <-ctx.Done():
			i.driver.Off()
			return
		case <-i.stopCh:
			i.driver.Off()
			return
		case <-ticker.C:
			i.mu.Lock()
			state := i.state
			i.mu.Unlock()

			switch state {
			case StateCapturing:
				i.driver.On()
			case StateProcessing:
				blinkOn = !blinkOn
				if blinkOn {
					i.driver.On()
				} else {
					i.driver.Off()
				}
			default:
				i.driver.Off()
			}
		}
	}
}
