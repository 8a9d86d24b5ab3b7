package bridge

import "context"

// DeviceKind identifies the host device created for each mapped SDM
// trait.
type DeviceKind int

const (
	KindSetpoint DeviceKind = iota
	KindTemperature
	KindHumidity
)

func (k DeviceKind) String() string {
	switch k {
	case KindSetpoint:
		return "setpoint"
	case KindTemperature:
		return "temperature"
	case KindHumidity:
		return "humidity"
	}
	return "unknown"
}

// Host is the home-automation side of the bridge: device bookkeeping
// and the credential store of record.
type Host interface {
	// CreateDevice registers a new host device for an SDM device's trait.
	CreateDevice(ctx context.Context, deviceID string, unit int, kind DeviceKind, name string) error

	// UpdateValue pushes a value to an existing host device.
	UpdateValue(ctx context.Context, unit int, nValue int, sValue string) error

	// StoreRefreshToken persists a rotated refresh token in host
	// configuration.
	StoreRefreshToken(ctx context.Context, refreshToken string) error
}

// NopHost discards all host interactions. Used by the one-shot CLI
// tools and in dry-run mode.
type NopHost struct{}

func (NopHost) CreateDevice(context.Context, string, int, DeviceKind, string) error { return nil }
func (NopHost) UpdateValue(context.Context, int, int, string) error                 { return nil }
func (NopHost) StoreRefreshToken(context.Context, string) error                     { return nil }
