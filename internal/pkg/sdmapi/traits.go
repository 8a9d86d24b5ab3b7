package sdmapi

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/jake-scott/nest-bridge/internal/pkg/logging"
)

/*
 *   Supported Google Smart Device Management trait identifiers and names
 */

type traitID int

const (
	sdmDevicesTraitsConnectivity traitID = iota
	sdmDevicesTraitsHumidity
	sdmDevicesTraitsInfo
	sdmDevicesTraitsTemperature
	sdmDevicesTraitsThermostatMode
	sdmDevicesTraitsThermostatTemperatureSetpoint
)

var traitNames = []string{
	"sdm.devices.traits.Connectivity",
	"sdm.devices.traits.Humidity",
	"sdm.devices.traits.Info",
	"sdm.devices.traits.Temperature",
	"sdm.devices.traits.ThermostatMode",
	"sdm.devices.traits.ThermostatTemperatureSetpoint",
}

// convert a trait name to its ID
func parseTraitName(name string) (bool, traitID) {
	for i, val := range traitNames {
		if val == name {
			return true, traitID(i)
		}
	}

	return false, 0
}

// return the name of a trait
func (id traitID) Name() string {
	if int(id) >= len(traitNames) {
		return fmt.Sprintf("unknown (id: %d)", id)
	}

	return traitNames[id]
}

// Convert a trait as read from Google, to internal representation
type traitsReader interface {
	Unmarshal() interface{}
}

// A set of traits for a device
type Traits struct {
	traits map[traitID]interface{}
}

func NewTraits() Traits {
	return Traits{
		traits: make(map[traitID]interface{}),
	}
}

// Parse a set of traits from JSON into the trait set
func (t *Traits) Parse(data []byte) error {
	var alltraits map[string]json.RawMessage
	if err := json.Unmarshal(data, &alltraits); err != nil {
		return err
	}

	for traitName, v := range alltraits {
		ok, traitID := parseTraitName(traitName)
		if !ok {
			logging.Logger(nil).Debugf("Ignoring unimplemented trait [%s]", traitName)
			continue
		}

		var decoded traitsReader
		switch traitID {
		case sdmDevicesTraitsConnectivity:
			decoded = &deviceConnectivityTraits{}
		case sdmDevicesTraitsHumidity:
			decoded = &DeviceHumidityTraits{}
		case sdmDevicesTraitsInfo:
			decoded = &DeviceInfoTraits{}
		case sdmDevicesTraitsTemperature:
			decoded = &DeviceTemperatureTraits{}
		case sdmDevicesTraitsThermostatMode:
			decoded = &deviceThermostatMode{}
		case sdmDevicesTraitsThermostatTemperatureSetpoint:
			decoded = &DeviceThermostatTemperatureSetpoint{}
		}

		if err := json.Unmarshal(v, &decoded); err != nil {
			return err
		}

		t.traits[traitID] = decoded.Unmarshal()
	}

	return nil
}

// Typed accessors used by the bridge to map traits to host devices

func (t *Traits) Connectivity() (*DeviceConnectivityTraits, bool) {
	v, ok := t.traits[sdmDevicesTraitsConnectivity].(*DeviceConnectivityTraits)
	return v, ok
}

func (t *Traits) Humidity() (*DeviceHumidityTraits, bool) {
	v, ok := t.traits[sdmDevicesTraitsHumidity].(*DeviceHumidityTraits)
	return v, ok
}

func (t *Traits) Info() (*DeviceInfoTraits, bool) {
	v, ok := t.traits[sdmDevicesTraitsInfo].(*DeviceInfoTraits)
	return v, ok
}

func (t *Traits) Temperature() (*DeviceTemperatureTraits, bool) {
	v, ok := t.traits[sdmDevicesTraitsTemperature].(*DeviceTemperatureTraits)
	return v, ok
}

func (t *Traits) ThermostatMode() (*DeviceThermostatMode, bool) {
	v, ok := t.traits[sdmDevicesTraitsThermostatMode].(*DeviceThermostatMode)
	return v, ok
}

func (t *Traits) HeatSetpoint() (*DeviceThermostatTemperatureSetpoint, bool) {
	v, ok := t.traits[sdmDevicesTraitsThermostatTemperatureSetpoint].(*DeviceThermostatTemperatureSetpoint)
	return v, ok
}

type deviceConnectivityTraits struct {
	Status string `json:"status"`
}
type DeviceConnectivityTraits struct {
	Online bool
}

func (t *deviceConnectivityTraits) Unmarshal() interface{} {
	v := &DeviceConnectivityTraits{}
	if t.Status == "ONLINE" {
		v.Online = true
	}

	return v
}

type DeviceHumidityTraits struct {
	AmbientHumidityPercent float32 `json:"ambientHumidityPercent"`
}

func (t *DeviceHumidityTraits) Unmarshal() interface{} {
	return t
}

type DeviceInfoTraits struct {
	CustomName string `json:"customName"`
}

func (t *DeviceInfoTraits) Unmarshal() interface{} {
	return t
}

type DeviceTemperatureTraits struct {
	AmbientTemperatureCelsius float32 `json:"ambientTemperatureCelsius"`
}

func (t *DeviceTemperatureTraits) Unmarshal() interface{} {
	return t
}

type ThermostatMode int

const (
	ThermostatModeOff ThermostatMode = iota
	ThermostatModeHeat
	ThermostatModeCool
	ThermostatModeHeatCool
)

type deviceThermostatMode struct {
	Mode           string   `json:"mode"`
	AvailableModes []string `json:"availableModes"`
}

type DeviceThermostatMode struct {
	Mode ThermostatMode
}

func (t *deviceThermostatMode) Unmarshal() interface{} {
	v := &DeviceThermostatMode{}
	switch t.Mode {
	case "OFF":
		v.Mode = ThermostatModeOff
	case "HEAT":
		v.Mode = ThermostatModeHeat
	case "COOL":
		v.Mode = ThermostatModeCool
	case "HEATCOOL":
		v.Mode = ThermostatModeHeatCool
	}

	return v
}

type DeviceThermostatTemperatureSetpoint struct {
	HeatCelsius float32 `json:"heatCelsius"`
	CoolCelsius float32 `json:"coolCelsius"`
}

func (t *DeviceThermostatTemperatureSetpoint) Unmarshal() interface{} {
	t.HeatCelsius = float32(math.Round(float64(t.HeatCelsius)*10) / 10)
	t.CoolCelsius = float32(math.Round(float64(t.CoolCelsius)*10) / 10)
	return t
}
