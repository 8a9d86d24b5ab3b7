package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/nest-bridge/internal/pkg/gateway"
	"github.com/jake-scott/nest-bridge/internal/pkg/nestauth"
	"github.com/jake-scott/nest-bridge/internal/pkg/sdmapi"
)

var (
	_devicesAsJSON bool
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the devices visible to the Device Access project",

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doDevices(); err != nil {
			return err
		}

		return nil
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		return checkRequiredFlags("google.sdm.client-id", "google.sdm.client-secret",
			"google.device-access.project")
	},
}

func init() {
	devicesCmd.Flags().BoolVar(&_devicesAsJSON, "json", false, "Return the device list as JSON")
	errPanic(viper.GetViper().BindPFlag("devices-json", devicesCmd.Flags().Lookup("json")))

	rootCmd.AddCommand(devicesCmd)
}

type deviceResult struct {
	ID            string   `json:"id"`
	Type          string   `json:"type"`
	Name          string   `json:"name,omitempty"`
	Online        *bool    `json:"online,omitempty"`
	TemperatureC  *float32 `json:"temperature_c,omitempty"`
	HumidityPct   *float32 `json:"humidity_pct,omitempty"`
	HeatSetpointC *float32 `json:"heat_setpoint_c,omitempty"`
}

func doDevices() error {
	proj := viper.GetString("google.device-access.project")
	apiTimeout := viper.GetDuration("google.device-access.api-timeout")

	tokens := nestauth.NewManager(
		viper.GetString("google.sdm.client-id"),
		viper.GetString("google.sdm.client-secret"),
		viper.GetString("google.sdm.refresh-token"),
		nestauth.WithSnapshotPath(viper.GetString("google.sdm.credential-file")),
	)

	sdm := sdmapi.NewLiveClient(proj).WithTimeout(apiTimeout)
	gw := gateway.New(sdm, tokens)

	devs, err := gw.Devices(context.Background())
	if err != nil {
		return err
	}

	results := make([]deviceResult, 0, len(devs))
	for i := range devs {
		results = append(results, summarize(&devs[i]))
	}

	if viper.GetBool("devices-json") {
		b, err := json.MarshalIndent(results, "", "    ")
		if err != nil {
			return err
		}
		fmt.Println(string(b))
		return nil
	}

	for _, d := range results {
		fmt.Printf("%s  (%s)\n", d.ID, d.Type)
		if d.Name != "" {
			fmt.Printf("    name:          %s\n", d.Name)
		}
		if d.Online != nil {
			fmt.Printf("    online:        %t\n", *d.Online)
		}
		if d.TemperatureC != nil {
			fmt.Printf("    temperature:   %.1f°C\n", *d.TemperatureC)
		}
		if d.HumidityPct != nil {
			fmt.Printf("    humidity:      %.0f%%\n", *d.HumidityPct)
		}
		if d.HeatSetpointC != nil {
			fmt.Printf("    heat setpoint: %.1f°C\n", *d.HeatSetpointC)
		}
	}

	return nil
}

func summarize(dev *sdmapi.Device) deviceResult {
	r := deviceResult{
		ID:   dev.ID,
		Type: dev.DeviceType,
	}

	if info, ok := dev.Traits.Info(); ok {
		r.Name = info.CustomName
	}
	if conn, ok := dev.Traits.Connectivity(); ok {
		online := conn.Online
		r.Online = &online
	}
	if temp, ok := dev.Traits.Temperature(); ok {
		v := temp.AmbientTemperatureCelsius
		r.TemperatureC = &v
	}
	if hum, ok := dev.Traits.Humidity(); ok {
		v := hum.AmbientHumidityPercent
		r.HumidityPct = &v
	}
	if sp, ok := dev.Traits.HeatSetpoint(); ok {
		v := sp.HeatCelsius
		r.HeatSetpointC = &v
	}

	return r
}
