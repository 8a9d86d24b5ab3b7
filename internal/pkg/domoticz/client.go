// Package domoticz is the thin host-integration glue: it mirrors
// bridge state into a Domoticz instance over its JSON API and pushes
// rotated refresh tokens back into the hardware settings, which are
// the system of record for credentials across restarts.
package domoticz

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/jake-scott/nest-bridge/internal/pkg/bridge"
	"github.com/jake-scott/nest-bridge/internal/pkg/logging"
)

const (
	defaultTimeout = 10 * time.Second
	callAttempts   = 3
)

// Domoticz device type/subtype codes for the mapped traits
var kindCodes = map[bridge.DeviceKind]struct{ Type, Subtype int }{
	bridge.KindSetpoint:    {242, 1},
	bridge.KindTemperature: {80, 5},
	bridge.KindHumidity:    {81, 1},
}

// Client talks to the Domoticz JSON API. It implements bridge.Host.
type Client struct {
	baseURL    string
	username   string
	password   string
	hardwareID int

	// hardware record fields that travel with a token update
	clientID     string
	clientSecret string
	enterpriseID string

	httpClient *http.Client
	sleep      func(time.Duration)
}

// Option customizes Client creation.
type Option func(*Client)

// WithBasicAuth sets credentials for a Domoticz UI protected by HTTP
// basic auth.
func WithBasicAuth(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithHardwareSettings identifies the hardware record that receives
// rotated refresh tokens.
func WithHardwareSettings(hardwareID int, clientID, clientSecret, enterpriseID string) Option {
	return func(c *Client) {
		c.hardwareID = hardwareID
		c.clientID = clientID
		c.clientSecret = clientSecret
		c.enterpriseID = enterpriseID
	}
}

// WithHTTPClient overrides the HTTP client (testing).
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithSleepFunc overrides the retry sleep (testing).
func WithSleepFunc(sleep func(time.Duration)) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		sleep:      time.Sleep,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	return c
}

type apiResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// call issues one JSON API request with bounded retries on
// connection-level failure.
func (c *Client) call(ctx context.Context, params url.Values) error {
	u := c.baseURL + "/json.htm?" + params.Encode()

	var lastErr error
	for attempt := 0; attempt < callAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return errors.Wrap(err, "building domoticz request")
		}
		if c.username != "" {
			req.SetBasicAuth(c.username, c.password)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt < callAttempts-1 {
				delay := time.Duration(1<<uint(attempt)) * time.Second
				logging.Logger(ctx).WithError(err).Warnf("domoticz call failed (attempt %d of %d), retrying in %s",
					attempt+1, callAttempts, delay)
				c.sleep(delay)
				continue
			}
			return errors.Wrapf(lastErr, "domoticz call failed after %d attempts", callAttempts)
		}

		var ar apiResponse
		err = json.NewDecoder(resp.Body).Decode(&ar)
		resp.Body.Close()
		if err != nil {
			return errors.Wrap(err, "decoding domoticz response")
		}

		if resp.StatusCode != http.StatusOK || ar.Status != "OK" {
			return errors.Errorf("domoticz returned status %d [%s]: %s", resp.StatusCode, ar.Status, ar.Message)
		}

		return nil
	}

	return errors.Wrapf(lastErr, "domoticz call failed after %d attempts", callAttempts)
}

// CreateDevice registers a new Domoticz device under our hardware
// record.
func (c *Client) CreateDevice(ctx context.Context, deviceID string, unit int, kind bridge.DeviceKind, name string) error {
	codes := kindCodes[kind]

	params := url.Values{
		"type":       {"command"},
		"param":      {"createdevice"},
		"hid":        {strconv.Itoa(c.hardwareID)},
		"unit":       {strconv.Itoa(unit)},
		"devicetype": {strconv.Itoa(codes.Type)},
		"subtype":    {strconv.Itoa(codes.Subtype)},
		"name":       {name + " " + kind.String()},
		"deviceid":   {deviceID},
		"used":       {"true"},
	}

	logging.Logger(ctx).Infof("Creating %s device unit %d for %s", kind, unit, deviceID)
	return c.call(ctx, params)
}

// UpdateValue pushes a device value.
func (c *Client) UpdateValue(ctx context.Context, unit int, nValue int, sValue string) error {
	params := url.Values{
		"type":   {"command"},
		"param":  {"udevice"},
		"hid":    {strconv.Itoa(c.hardwareID)},
		"unit":   {strconv.Itoa(unit)},
		"nvalue": {strconv.Itoa(nValue)},
		"svalue": {sValue},
	}

	return c.call(ctx, params)
}

// StoreRefreshToken writes a rotated refresh token back into the
// hardware settings so it survives restarts.
func (c *Client) StoreRefreshToken(ctx context.Context, refreshToken string) error {
	params := url.Values{
		"type":    {"command"},
		"param":   {"updatehardware"},
		"hid":     {strconv.Itoa(c.hardwareID)},
		"data1":   {c.clientID},
		"data2":   {c.clientSecret},
		"data3":   {refreshToken},
		"data4":   {c.enterpriseID},
		"enabled": {"true"},
	}

	logging.Logger(ctx).Info("Storing rotated refresh token in hardware settings")
	return c.call(ctx, params)
}
