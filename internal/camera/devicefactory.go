package camera

import (
	"context"
	"fmt"
	"log"
	"time"
)

// デバイス種別
const (
	DeviceAuto   = "auto"
	DeviceV4L2   = "v4l2"
	DeviceRpicam = "rpicam"
	DeviceMock   = "mock"
)

// DeviceCreator はデバイス作成関数の型
type DeviceCreator func(cfg Config) (Device, error)

// DefaultDeviceFactory は設定のデバイス種別に応じたDeviceを作成する
type DefaultDeviceFactory struct {
	creators map[string]DeviceCreator
}

// NewDeviceFactory は標準のバックエンドを登録したファクトリーを作成する
func NewDeviceFactory() *DefaultDeviceFactory {
	f := &DefaultDeviceFactory{
		creators: make(map[string]DeviceCreator),
	}

	f.Register(DeviceRpicam, func(cfg Config) (Device, error) {
		return NewRpicamDevice(cfg)
	})
	f.Register(DeviceV4L2, func(cfg Config) (Device, error) {
		return NewV4L2Device(cfg), nil
	})
	f.Register(DeviceMock, func(cfg Config) (Device, error) {
		return NewMockDevice(), nil
	})

	return f
}

// Register はデバイス作成関数を登録する
func (f *DefaultDeviceFactory) Register(deviceType string, creator DeviceCreator) {
	f.creators[deviceType] = creator
}

// Create は設定に応じたDeviceを作成する
// 種別がautoの場合は環境を調べて利用可能なバックエンドを選ぶ
func (f *DefaultDeviceFactory) Create(cfg Config) (Device, error) {
	deviceType := cfg.DeviceType
	if deviceType == DeviceAuto {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		deviceType = DetectBackend(ctx, cfg)
		cancel()
		log.Printf("カメラバックエンドを自動選択しました: %s", deviceType)
	}

	creator, exists := f.creators[deviceType]
	if !exists {
		return nil, fmt.Errorf("サポートされていないデバイス種別: %s", deviceType)
	}

	return creator(cfg)
}

// Bind は設定を束縛したDeviceFactoryを返す
// 強制リセット後の再初期化では、この関数が新しいハンドルを作り直す
func (f *DefaultDeviceFactory) Bind(cfg Config) DeviceFactory {
	return func() (Device, error) {
		return f.Create(cfg)
	}
}
