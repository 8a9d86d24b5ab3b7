package sdmapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	apioption "google.golang.org/api/option"
	sdmv1 "google.golang.org/api/smartdevicemanagement/v1"

	"github.com/jake-scott/nest-bridge/internal/pkg/logging"
)

type Live struct {
	sdmProjectID string
	accessToken  string
	timeout      time.Duration
	endpoint     string
}

// LiveOption customizes the live client.
type LiveOption func(*Live)

// WithEndpoint overrides the SDM API base URL (testing).
func WithEndpoint(url string) LiveOption {
	return func(c *Live) {
		c.endpoint = url
	}
}

func NewLiveClient(sdmProjectID string, opts ...LiveOption) *Live {
	c := &Live{
		sdmProjectID: "enterprises/" + sdmProjectID,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Live) WithAccessToken(token string) SmartDeviceManagement {
	nc := *c
	nc.accessToken = token
	return &nc
}

func (c *Live) WithTimeout(d time.Duration) SmartDeviceManagement {
	nc := *c
	nc.timeout = d
	return &nc
}

func (c *Live) api(ctx context.Context) (*sdmv1.Service, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.accessToken})
	opts := []apioption.ClientOption{apioption.WithTokenSource(ts)}
	if c.endpoint != "" {
		opts = append(opts, apioption.WithEndpoint(c.endpoint))
	}

	sdm, err := sdmv1.NewService(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return sdm, nil
}

func (c *Live) makeContext() (context.Context, context.CancelFunc) {
	var ctx = context.Background()
	var cancel context.CancelFunc = func() {}
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), c.timeout)
	}

	return ctx, cancel
}

func (c *Live) shortDeviceName(longName string) string {
	return strings.TrimPrefix(longName, c.sdmProjectID+"/devices/")
}

func (c *Live) longDeviceName(shortName string) string {
	return c.sdmProjectID + "/devices/" + shortName
}

func (c *Live) Devices() ([]Device, error) {
	ctx, cancel := c.makeContext()
	defer cancel()

	s, err := c.api(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "initialising the api")
	}

	deviceList, err := s.Enterprises.Devices.List(c.sdmProjectID).Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrap(err, "listing devices")
	}

	var items []Device
	for _, d := range deviceList.Devices {
		t := NewTraits()
		if err := t.Parse(d.Traits); err != nil {
			return nil, errors.Wrap(err, "parsing device traits")
		}

		item := Device{
			ID:         c.shortDeviceName(d.Name),
			DeviceType: d.Type,
			Traits:     t,
		}

		items = append(items, item)
	}

	return items, nil
}

func (c *Live) GetDevice(deviceID string) (*Device, error) {
	ctx, cancel := c.makeContext()
	defer cancel()

	s, err := c.api(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "initialising the api")
	}

	device, err := s.Enterprises.Devices.Get(c.longDeviceName(deviceID)).Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrap(err, "fetching device details")
	}

	t := NewTraits()
	if err := t.Parse(device.Traits); err != nil {
		return nil, errors.Wrap(err, "parsing device traits")
	}

	item := &Device{
		ID:         c.shortDeviceName(device.Name),
		DeviceType: device.Type,
		Traits:     t,
	}

	return item, nil
}

func (c *Live) SendCommand(deviceID string, command Command) error {
	ctx, cancel := c.makeContext()
	defer cancel()

	s, err := c.api(ctx)
	if err != nil {
		return errors.Wrap(err, "initialising the api")
	}

	cmdParams, err := json.Marshal(command)
	if err != nil {
		return errors.Wrap(err, "marshaling command parameters")
	}

	cmdRequest := sdmv1.GoogleHomeEnterpriseSdmV1ExecuteDeviceCommandRequest{
		Command: command.commandName(),
		Params:  cmdParams,
	}

	logging.Logger(nil).Debugf("sending command: %s, params %s", cmdRequest.Command, string(cmdRequest.Params))

	resp, err := s.Enterprises.Devices.ExecuteCommand(c.longDeviceName(deviceID), &cmdRequest).Context(ctx).Do()
	if err != nil {
		return errors.Wrapf(err, "executing command: %s, params %s", cmdRequest.Command, string(cmdRequest.Params))
	}

	if resp.HTTPStatusCode != 200 {
		return fmt.Errorf("command response error: HTTP status %d, %s", resp.HTTPStatusCode, string(resp.Results))
	}

	return nil
}
