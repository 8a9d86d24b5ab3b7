package sdmapi

import "time"

type Device struct {
	ID         string
	DeviceType string
	Traits     Traits
}

type Command interface {
	commandName() string
}

type SmartDeviceManagement interface {
	WithAccessToken(token string) SmartDeviceManagement
	WithTimeout(d time.Duration) SmartDeviceManagement
	Devices() ([]Device, error)
	GetDevice(deviceID string) (*Device, error)
	SendCommand(deviceID string, command Command) error
}
