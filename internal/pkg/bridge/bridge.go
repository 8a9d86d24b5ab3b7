package bridge

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/jake-scott/nest-bridge/internal/pkg/gateway"
	"github.com/jake-scott/nest-bridge/internal/pkg/logging"
	"github.com/jake-scott/nest-bridge/internal/pkg/sdmapi"
)

const (
	defaultPollInterval  = 30 * time.Second
	defaultBackoffTime   = 60 * time.Second
	defaultRefreshWindow = 300 * time.Second

	// Valid heat setpoint range in Celsius
	minSetpointC = 9
	maxSetpointC = 32
)

// TokenSource is the credential side of the bridge.
type TokenSource interface {
	EnsureValidToken(ctx context.Context) (string, error)
	Expiry() time.Time
	Persist() error
}

// DeviceService is the resilient API surface the bridge polls and
// commands through.
type DeviceService interface {
	Devices(ctx context.Context) ([]sdmapi.Device, error)
	Execute(ctx context.Context, deviceID string, command sdmapi.Command) error
	Health() gateway.Health
}

// Recorder receives tick and command outcomes; satisfied by the
// metrics package.
type Recorder interface {
	RecordTick(outcome string)
	RecordCommand(outcome string)
}

// TickOutcome is the state the scheduler settled on for one tick.
type TickOutcome int

const (
	TickSkippedBackoff TickOutcome = iota
	TickSkippedInterval
	TickPolled
	TickPolledAfterRefresh
)

func (o TickOutcome) String() string {
	switch o {
	case TickSkippedBackoff:
		return "skipped-backoff"
	case TickSkippedInterval:
		return "skipped-interval"
	case TickPolled:
		return "polled"
	case TickPolledAfterRefresh:
		return "polled-after-refresh"
	}
	return "unknown"
}

// DeviceSummary is the last observed state of one SDM device, kept
// for the diagnostics surface.
type DeviceSummary struct {
	ID            string   `json:"id"`
	Type          string   `json:"type"`
	Name          string   `json:"name,omitempty"`
	Unit          int      `json:"unit"`
	Online        *bool    `json:"online,omitempty"`
	TemperatureC  *float32 `json:"temperature_c,omitempty"`
	HumidityPct   *float32 `json:"humidity_pct,omitempty"`
	HeatSetpointC *float32 `json:"heat_setpoint_c,omitempty"`
}

// Bridge is the plugin core: it owns the device/unit bookkeeping and
// the poll scheduler, and dispatches commands. It is driven by an
// externally-owned tick whose granularity is finer than the poll
// interval; the bridge self-gates.
type Bridge struct {
	host     Host
	tokens   TokenSource
	devices  DeviceService
	recorder Recorder

	pollInterval  time.Duration
	backoffTime   time.Duration
	refreshWindow time.Duration
	now           func() time.Time

	mu           sync.Mutex
	units        map[string]int // SDM device ID -> base host unit
	unitToDevice map[int]string // host unit -> SDM device ID
	nextUnit     int
	lastPollAt   time.Time
	snapshot     []DeviceSummary
}

// Option customizes Bridge creation.
type Option func(*Bridge)

// WithNowFunc overrides the clock (testing).
func WithNowFunc(now func() time.Time) Option {
	return func(b *Bridge) {
		if now != nil {
			b.now = now
		}
	}
}

// WithPollInterval overrides the minimum time between full polls.
func WithPollInterval(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// WithBackoffTime overrides how long polling pauses after the
// connection goes unhealthy.
func WithBackoffTime(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.backoffTime = d
		}
	}
}

// WithRefreshWindow overrides the proactive token refresh window.
func WithRefreshWindow(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.refreshWindow = d
		}
	}
}

// WithRecorder attaches a tick/command outcome recorder.
func WithRecorder(r Recorder) Option {
	return func(b *Bridge) {
		b.recorder = r
	}
}

func New(host Host, tokens TokenSource, devices DeviceService, opts ...Option) *Bridge {
	b := &Bridge{
		host:          host,
		tokens:        tokens,
		devices:       devices,
		pollInterval:  defaultPollInterval,
		backoffTime:   defaultBackoffTime,
		refreshWindow: defaultRefreshWindow,
		now:           time.Now,
		units:         make(map[string]int),
		unitToDevice:  make(map[int]string),
		nextUnit:      1,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}

	return b
}

// Start reconciles pre-existing host device identifiers into the
// internal mappings, then attempts an initial token acquisition and
// discovery pass. Initial failures are logged, not fatal; the
// heartbeat recovers.
func (b *Bridge) Start(ctx context.Context, existing map[int]string) error {
	logger := logging.Logger(ctx)
	logger.Info("Bridge starting")

	b.mu.Lock()
	for unit, deviceID := range existing {
		if deviceID == "" {
			continue
		}

		b.unitToDevice[unit] = deviceID
		if base, ok := b.units[deviceID]; !ok || unit < base {
			b.units[deviceID] = unit
		}
		if unit >= b.nextUnit {
			b.nextUnit = unit + 1
		}
	}
	count := len(b.units)
	b.mu.Unlock()

	if count > 0 {
		logger.Infof("Re-attached %d existing host device(s)", count)
	}

	if _, err := b.tokens.EnsureValidToken(ctx); err != nil {
		logger.WithError(err).Error("Initial token acquisition failed")
		return nil
	}

	b.poll(ctx)
	return nil
}

// Stop persists the credential snapshot on the way out.
func (b *Bridge) Stop(ctx context.Context) {
	logging.Logger(ctx).Info("Bridge stopping")

	if err := b.tokens.Persist(); err != nil {
		logging.Logger(ctx).WithError(err).Error("Saving credential snapshot on shutdown")
	}
}

// Tick is the heartbeat. Per tick it either skips (unhealthy backoff
// or poll interval not elapsed), or performs a full poll, optionally
// preceded by a proactive token refresh.
func (b *Bridge) Tick(ctx context.Context) TickOutcome {
	outcome := b.tick(ctx)

	if b.recorder != nil {
		b.recorder.RecordTick(outcome.String())
	}

	return outcome
}

func (b *Bridge) tick(ctx context.Context) TickOutcome {
	logger := logging.Logger(ctx)
	now := b.now()

	// While the connection is unhealthy, hold off entirely rather
	// than hammering an upstream that is down
	health := b.devices.Health()
	if !health.Healthy && now.Sub(health.LastErrorAt) < b.backoffTime {
		logger.Debug("tick: backing off while connection is unhealthy")
		return TickSkippedBackoff
	}

	b.mu.Lock()
	if now.Sub(b.lastPollAt) < b.pollInterval {
		b.mu.Unlock()
		return TickSkippedInterval
	}
	b.lastPollAt = now
	b.mu.Unlock()

	outcome := TickPolled

	if expiry := b.tokens.Expiry(); expiry.Sub(now) < b.refreshWindow {
		logger.Info("tick: token expiring soon, refreshing proactively")
		// The poll below runs regardless of how this turns out
		if _, err := b.tokens.EnsureValidToken(ctx); err != nil {
			logger.WithError(err).Warn("tick: proactive refresh failed")
		}
		outcome = TickPolledAfterRefresh
	}

	b.poll(ctx)
	return outcome
}

// poll performs one discovery/update pass through the gateway and
// mirrors device state into the host.
func (b *Bridge) poll(ctx context.Context) {
	logger := logging.Logger(ctx)

	devs, err := b.devices.Devices(ctx)
	if err != nil {
		// The gateway already classified the failure and updated
		// connection health
		logger.WithError(err).Error("poll: device discovery failed")
		return
	}

	summaries := make([]DeviceSummary, 0, len(devs))
	for i := range devs {
		summaries = append(summaries, b.syncDevice(ctx, &devs[i]))
	}

	b.mu.Lock()
	b.snapshot = summaries
	b.mu.Unlock()

	logger.Debugf("poll: updated %d device(s)", len(devs))
}

// syncDevice creates host devices for an unseen SDM device and pushes
// current trait values.
func (b *Bridge) syncDevice(ctx context.Context, dev *sdmapi.Device) DeviceSummary {
	logger := logging.Logger(ctx)

	name := dev.ID
	if info, ok := dev.Traits.Info(); ok && info.CustomName != "" {
		name = info.CustomName
	}

	b.mu.Lock()
	base, known := b.units[dev.ID]
	if !known {
		base = b.nextUnit
		// One block of three units per device: setpoint,
		// temperature, humidity
		b.nextUnit += 3
		b.units[dev.ID] = base
		for u := base; u < base+3; u++ {
			b.unitToDevice[u] = dev.ID
		}
	}
	b.mu.Unlock()

	summary := DeviceSummary{
		ID:   dev.ID,
		Type: dev.DeviceType,
		Name: name,
		Unit: base,
	}

	if conn, ok := dev.Traits.Connectivity(); ok {
		online := conn.Online
		summary.Online = &online
	}

	if sp, ok := dev.Traits.HeatSetpoint(); ok {
		if !known {
			if err := b.host.CreateDevice(ctx, dev.ID, base, KindSetpoint, name); err != nil {
				logger.WithError(err).Errorf("creating setpoint device for %s", dev.ID)
			}
		}
		if err := b.host.UpdateValue(ctx, base, 1, formatCelsius(sp.HeatCelsius)); err != nil {
			logger.WithError(err).Errorf("updating setpoint for %s", dev.ID)
		}
		v := sp.HeatCelsius
		summary.HeatSetpointC = &v
	}

	if temp, ok := dev.Traits.Temperature(); ok {
		if !known {
			if err := b.host.CreateDevice(ctx, dev.ID, base+1, KindTemperature, name); err != nil {
				logger.WithError(err).Errorf("creating temperature device for %s", dev.ID)
			}
		}
		if err := b.host.UpdateValue(ctx, base+1, 1, formatCelsius(temp.AmbientTemperatureCelsius)); err != nil {
			logger.WithError(err).Errorf("updating temperature for %s", dev.ID)
		}
		v := temp.AmbientTemperatureCelsius
		summary.TemperatureC = &v
	}

	if hum, ok := dev.Traits.Humidity(); ok {
		if !known {
			if err := b.host.CreateDevice(ctx, dev.ID, base+2, KindHumidity, name); err != nil {
				logger.WithError(err).Errorf("creating humidity device for %s", dev.ID)
			}
		}
		pct := int(hum.AmbientHumidityPercent)
		if err := b.host.UpdateValue(ctx, base+2, pct, strconv.Itoa(pct)); err != nil {
			logger.WithError(err).Errorf("updating humidity for %s", dev.ID)
		}
		v := hum.AmbientHumidityPercent
		summary.HumidityPct = &v
	}

	return summary
}

// Command dispatches a user-initiated command. It fails fast: one
// token check and one gateway call, no retries beyond what those
// layers already provide.
func (b *Bridge) Command(ctx context.Context, deviceID, commandName string, level float64) error {
	err := b.command(ctx, deviceID, commandName, level)

	if b.recorder != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		b.recorder.RecordCommand(outcome)
	}

	return err
}

func (b *Bridge) command(ctx context.Context, deviceID, commandName string, level float64) error {
	logger := logging.Logger(ctx)

	var cmd sdmapi.Command
	switch commandName {
	case "setheat", "Set Level":
		if level < minSetpointC || level > maxSetpointC {
			return errors.Errorf("temperature %.1f°C out of range (%d-%d°C)", level, minSetpointC, maxSetpointC)
		}
		cmd = sdmapi.NewThermostatTemperatureSetpointHeatCommand(float32(level))
	default:
		return errors.Errorf("unsupported command %q", commandName)
	}

	if err := b.devices.Execute(ctx, deviceID, cmd); err != nil {
		return errors.Wrapf(err, "dispatching %s to %s", commandName, deviceID)
	}

	logger.Infof("Set %s to %.1f°C", deviceID, level)

	// Mirror the accepted setpoint into the host immediately rather
	// than waiting for the next poll
	b.mu.Lock()
	base, known := b.units[deviceID]
	b.mu.Unlock()
	if known {
		if err := b.host.UpdateValue(ctx, base, 1, formatCelsius(float32(level))); err != nil {
			logger.WithError(err).Errorf("mirroring setpoint for %s", deviceID)
		}
	}

	return nil
}

// DeviceSnapshot returns the last discovery pass results.
func (b *Bridge) DeviceSnapshot() []DeviceSummary {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]DeviceSummary, len(b.snapshot))
	copy(out, b.snapshot)
	return out
}

// Health exposes the gateway's connection health for diagnostics.
func (b *Bridge) Health() gateway.Health {
	return b.devices.Health()
}

// DeviceForUnit resolves a host unit back to its SDM device ID.
func (b *Bridge) DeviceForUnit(unit int) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.unitToDevice[unit]
	return id, ok
}

func formatCelsius(v float32) string {
	return fmt.Sprintf("%.1f", v)
}
