package sdmapi

type command struct {
	command string `json:"-"`
}

func newCommand(name string) command {
	return command{
		command: name,
	}
}

func (c command) commandName() string {
	return c.command
}

type devicesThermostatModeCommandParams struct {
	command
	Mode string `json:"mode"`
}

func NewThermostatModeCommand(mode ThermostatMode) Command {
	var modeStr string
	switch mode {
	case ThermostatModeOff:
		modeStr = "OFF"
	case ThermostatModeCool:
		modeStr = "COOL"
	case ThermostatModeHeat:
		modeStr = "HEAT"
	case ThermostatModeHeatCool:
		modeStr = "HEATCOOL"
	}

	return devicesThermostatModeCommandParams{
		command: newCommand("sdm.devices.commands.ThermostatMode.SetMode"),
		Mode:    modeStr,
	}
}

type devicesThermostatTemperatureSetpointHeatCommandParams struct {
	command
	HeatCelsius float32 `json:"heatCelsius"`
}

func NewThermostatTemperatureSetpointHeatCommand(temp float32) Command {
	return devicesThermostatTemperatureSetpointHeatCommandParams{
		command:     newCommand("sdm.devices.commands.ThermostatTemperatureSetpoint.SetHeat"),
		HeatCelsius: temp,
	}
}

// CommandName exposes the SDM command identifier, for logging and the
// wire request.
func CommandName(c Command) string {
	return c.commandName()
}
