package sdmapi

import (
	"testing"
)

func TestParseThermostatTraits(t *testing.T) {
	data := []byte(`{
		"sdm.devices.traits.Connectivity": {"status": "ONLINE"},
		"sdm.devices.traits.Info": {"customName": "Hallway"},
		"sdm.devices.traits.Temperature": {"ambientTemperatureCelsius": 21.456},
		"sdm.devices.traits.Humidity": {"ambientHumidityPercent": 55},
		"sdm.devices.traits.ThermostatMode": {"mode": "HEAT", "availableModes": ["HEAT", "OFF"]},
		"sdm.devices.traits.ThermostatTemperatureSetpoint": {"heatCelsius": 20.456}
	}`)

	tr := NewTraits()
	if err := tr.Parse(data); err != nil {
		t.Fatalf("parsing traits: %v", err)
	}

	conn, ok := tr.Connectivity()
	if !ok || !conn.Online {
		t.Errorf("expected online connectivity, got %+v (ok=%t)", conn, ok)
	}

	info, ok := tr.Info()
	if !ok || info.CustomName != "Hallway" {
		t.Errorf("expected custom name Hallway, got %+v (ok=%t)", info, ok)
	}

	temp, ok := tr.Temperature()
	if !ok || temp.AmbientTemperatureCelsius != 21.456 {
		t.Errorf("expected temperature 21.456, got %+v (ok=%t)", temp, ok)
	}

	hum, ok := tr.Humidity()
	if !ok || hum.AmbientHumidityPercent != 55 {
		t.Errorf("expected humidity 55, got %+v (ok=%t)", hum, ok)
	}

	mode, ok := tr.ThermostatMode()
	if !ok || mode.Mode != ThermostatModeHeat {
		t.Errorf("expected HEAT mode, got %+v (ok=%t)", mode, ok)
	}

	// Setpoints are rounded to one decimal place
	sp, ok := tr.HeatSetpoint()
	if !ok || sp.HeatCelsius != 20.5 {
		t.Errorf("expected heat setpoint 20.5, got %+v (ok=%t)", sp, ok)
	}
}

func TestParseIgnoresUnknownTraits(t *testing.T) {
	data := []byte(`{
		"sdm.devices.traits.Fan": {"timerMode": "OFF"},
		"sdm.devices.traits.Temperature": {"ambientTemperatureCelsius": 19}
	}`)

	tr := NewTraits()
	if err := tr.Parse(data); err != nil {
		t.Fatalf("parsing traits: %v", err)
	}

	if _, ok := tr.Temperature(); !ok {
		t.Error("expected temperature trait to survive unknown siblings")
	}
}

func TestParseOfflineConnectivity(t *testing.T) {
	data := []byte(`{"sdm.devices.traits.Connectivity": {"status": "OFFLINE"}}`)

	tr := NewTraits()
	if err := tr.Parse(data); err != nil {
		t.Fatalf("parsing traits: %v", err)
	}

	conn, ok := tr.Connectivity()
	if !ok {
		t.Fatal("expected connectivity trait")
	}
	if conn.Online {
		t.Error("expected OFFLINE status to map to Online=false")
	}
}

func TestMissingTraitAccessors(t *testing.T) {
	tr := NewTraits()
	if err := tr.Parse([]byte(`{}`)); err != nil {
		t.Fatalf("parsing traits: %v", err)
	}

	if _, ok := tr.Temperature(); ok {
		t.Error("expected no temperature trait")
	}
	if _, ok := tr.HeatSetpoint(); ok {
		t.Error("expected no setpoint trait")
	}
}
