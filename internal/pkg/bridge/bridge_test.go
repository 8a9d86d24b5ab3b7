package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jake-scott/nest-bridge/internal/pkg/gateway"
	"github.com/jake-scott/nest-bridge/internal/pkg/sdmapi"
)

const thermostatTraits = `{
	"sdm.devices.traits.Connectivity": {"status": "ONLINE"},
	"sdm.devices.traits.Info": {"customName": "Hallway"},
	"sdm.devices.traits.Temperature": {"ambientTemperatureCelsius": 21.5},
	"sdm.devices.traits.Humidity": {"ambientHumidityPercent": 55},
	"sdm.devices.traits.ThermostatTemperatureSetpoint": {"heatCelsius": 20.5}
}`

func testDevice(t *testing.T, id, traitJSON string) sdmapi.Device {
	t.Helper()

	tr := sdmapi.NewTraits()
	require.NoError(t, tr.Parse([]byte(traitJSON)))

	return sdmapi.Device{
		ID:         id,
		DeviceType: "sdm.devices.types.THERMOSTAT",
		Traits:     tr,
	}
}

type createdDevice struct {
	deviceID string
	unit     int
	kind     DeviceKind
}

type updatedValue struct {
	unit   int
	nValue int
	sValue string
}

type fakeHost struct {
	mu      sync.Mutex
	created []createdDevice
	updated []updatedValue
	stored  []string
}

func (h *fakeHost) CreateDevice(_ context.Context, deviceID string, unit int, kind DeviceKind, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.created = append(h.created, createdDevice{deviceID, unit, kind})
	return nil
}

func (h *fakeHost) UpdateValue(_ context.Context, unit int, nValue int, sValue string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updated = append(h.updated, updatedValue{unit, nValue, sValue})
	return nil
}

func (h *fakeHost) StoreRefreshToken(_ context.Context, refreshToken string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stored = append(h.stored, refreshToken)
	return nil
}

func (h *fakeHost) updatesForUnit(unit int) []updatedValue {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []updatedValue
	for _, u := range h.updated {
		if u.unit == unit {
			out = append(out, u)
		}
	}
	return out
}

type fakeTokens struct {
	mu           sync.Mutex
	expiry       time.Time
	ensureErr    error
	ensureCalls  int
	persistCalls int
}

func (f *fakeTokens) EnsureValidToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureCalls++
	return "tok", f.ensureErr
}

func (f *fakeTokens) Expiry() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expiry
}

func (f *fakeTokens) Persist() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persistCalls++
	return nil
}

type executedCommand struct {
	deviceID string
	command  sdmapi.Command
}

type fakeDeviceService struct {
	mu       sync.Mutex
	devices  []sdmapi.Device
	health   gateway.Health
	execErr  error
	listErr  error
	listed   int
	executed []executedCommand
}

func (f *fakeDeviceService) Devices(context.Context) ([]sdmapi.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listed++
	return f.devices, f.listErr
}

func (f *fakeDeviceService) Execute(_ context.Context, deviceID string, command sdmapi.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, executedCommand{deviceID, command})
	return f.execErr
}

func (f *fakeDeviceService) Health() gateway.Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health
}

type fixture struct {
	host    *fakeHost
	tokens  *fakeTokens
	devices *fakeDeviceService
	bridge  *Bridge
	now     time.Time
	mu      sync.Mutex
}

func (f *fixture) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newFixture(t *testing.T, devs []sdmapi.Device, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		host:   &fakeHost{},
		tokens: &fakeTokens{},
		devices: &fakeDeviceService{
			devices: devs,
			health:  gateway.Health{Healthy: true},
		},
		now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.tokens.expiry = f.now.Add(time.Hour)

	base := []Option{WithNowFunc(f.Now)}
	f.bridge = New(f.host, f.tokens, f.devices, append(base, opts...)...)

	return f
}

func TestPollCreatesUnitBlockForNewDevice(t *testing.T) {
	f := newFixture(t, []sdmapi.Device{testDevice(t, "dev-a", thermostatTraits)})

	require.NoError(t, f.bridge.Start(context.Background(), nil))

	// One block of three units, lowest unit first
	require.Len(t, f.host.created, 3)
	assert.Equal(t, createdDevice{"dev-a", 1, KindSetpoint}, f.host.created[0])
	assert.Equal(t, createdDevice{"dev-a", 2, KindTemperature}, f.host.created[1])
	assert.Equal(t, createdDevice{"dev-a", 3, KindHumidity}, f.host.created[2])

	assert.Equal(t, []updatedValue{{1, 1, "20.5"}}, f.host.updatesForUnit(1))
	assert.Equal(t, []updatedValue{{2, 1, "21.5"}}, f.host.updatesForUnit(2))
	assert.Equal(t, []updatedValue{{3, 55, "55"}}, f.host.updatesForUnit(3))
}

func TestPollDoesNotRecreateKnownDevices(t *testing.T) {
	f := newFixture(t, []sdmapi.Device{testDevice(t, "dev-a", thermostatTraits)})

	// Host already has the unit block for dev-a from a previous run
	existing := map[int]string{1: "dev-a", 2: "dev-a", 3: "dev-a"}
	require.NoError(t, f.bridge.Start(context.Background(), existing))

	assert.Empty(t, f.host.created)
	assert.NotEmpty(t, f.host.updated)

	// A later device starts its block after the re-attached units
	f.devices.mu.Lock()
	f.devices.devices = append(f.devices.devices, testDevice(t, "dev-b", thermostatTraits))
	f.devices.mu.Unlock()

	f.Advance(30 * time.Second)
	assert.Equal(t, TickPolled, f.bridge.Tick(context.Background()))

	require.Len(t, f.host.created, 3)
	assert.Equal(t, createdDevice{"dev-b", 4, KindSetpoint}, f.host.created[0])
}

func TestTickIntervalGate(t *testing.T) {
	f := newFixture(t, []sdmapi.Device{testDevice(t, "dev-a", thermostatTraits)})

	assert.Equal(t, TickPolled, f.bridge.Tick(context.Background()))

	f.Advance(10 * time.Second)
	assert.Equal(t, TickSkippedInterval, f.bridge.Tick(context.Background()))

	f.Advance(20 * time.Second)
	assert.Equal(t, TickPolled, f.bridge.Tick(context.Background()))

	assert.Equal(t, 2, f.devices.listed)
}

func TestTickBacksOffWhileUnhealthy(t *testing.T) {
	f := newFixture(t, []sdmapi.Device{testDevice(t, "dev-a", thermostatTraits)})

	f.devices.mu.Lock()
	f.devices.health = gateway.Health{Healthy: false, LastErrorAt: f.Now().Add(-10 * time.Second)}
	f.devices.mu.Unlock()

	assert.Equal(t, TickSkippedBackoff, f.bridge.Tick(context.Background()))
	assert.Equal(t, 0, f.devices.listed)

	// Recovery: the skip did not advance the poll clock, so the next
	// healthy tick polls immediately
	f.devices.mu.Lock()
	f.devices.health = gateway.Health{Healthy: true}
	f.devices.mu.Unlock()

	assert.Equal(t, TickPolled, f.bridge.Tick(context.Background()))
	assert.Equal(t, 1, f.devices.listed)
}

func TestTickPollsAgainOnceBackoffElapses(t *testing.T) {
	f := newFixture(t, []sdmapi.Device{testDevice(t, "dev-a", thermostatTraits)})

	f.devices.mu.Lock()
	f.devices.health = gateway.Health{Healthy: false, LastErrorAt: f.Now()}
	f.devices.mu.Unlock()

	assert.Equal(t, TickSkippedBackoff, f.bridge.Tick(context.Background()))

	// Still unhealthy, but the backoff window has passed: probe again
	f.Advance(61 * time.Second)
	assert.Equal(t, TickPolled, f.bridge.Tick(context.Background()))
	assert.Equal(t, 1, f.devices.listed)
}

func TestTickRefreshesExpiringTokenBeforePoll(t *testing.T) {
	f := newFixture(t, []sdmapi.Device{testDevice(t, "dev-a", thermostatTraits)})

	f.tokens.mu.Lock()
	f.tokens.expiry = f.Now().Add(200 * time.Second)
	f.tokens.mu.Unlock()

	assert.Equal(t, TickPolledAfterRefresh, f.bridge.Tick(context.Background()))
	assert.Equal(t, 1, f.tokens.ensureCalls)
	assert.Equal(t, 1, f.devices.listed)
}

func TestTickPollsEvenIfProactiveRefreshFails(t *testing.T) {
	f := newFixture(t, []sdmapi.Device{testDevice(t, "dev-a", thermostatTraits)})

	f.tokens.mu.Lock()
	f.tokens.expiry = f.Now().Add(200 * time.Second)
	f.tokens.ensureErr = errors.New("refresh throttled")
	f.tokens.mu.Unlock()

	assert.Equal(t, TickPolledAfterRefresh, f.bridge.Tick(context.Background()))
	assert.Equal(t, 1, f.devices.listed)
}

func TestStartSurvivesInitialFailures(t *testing.T) {
	f := newFixture(t, nil)

	f.tokens.mu.Lock()
	f.tokens.ensureErr = errors.New("refresh failed")
	f.tokens.mu.Unlock()

	// Initial failures are logged, not fatal
	require.NoError(t, f.bridge.Start(context.Background(), nil))
	assert.Equal(t, 0, f.devices.listed)
}

func TestCommandSetsHeatSetpoint(t *testing.T) {
	f := newFixture(t, []sdmapi.Device{testDevice(t, "dev-a", thermostatTraits)})
	require.NoError(t, f.bridge.Start(context.Background(), nil))

	require.NoError(t, f.bridge.Command(context.Background(), "dev-a", "setheat", 21.0))

	require.Len(t, f.devices.executed, 1)
	assert.Equal(t, "dev-a", f.devices.executed[0].deviceID)
	assert.Equal(t, "sdm.devices.commands.ThermostatTemperatureSetpoint.SetHeat",
		sdmapi.CommandName(f.devices.executed[0].command))

	// The accepted setpoint is mirrored into the host immediately
	updates := f.host.updatesForUnit(1)
	require.NotEmpty(t, updates)
	assert.Equal(t, updatedValue{1, 1, "21.0"}, updates[len(updates)-1])
}

func TestCommandRejectsOutOfRangeSetpoint(t *testing.T) {
	f := newFixture(t, []sdmapi.Device{testDevice(t, "dev-a", thermostatTraits)})

	for _, level := range []float64{5, 8.9, 32.1, 40} {
		err := f.bridge.Command(context.Background(), "dev-a", "setheat", level)
		require.Error(t, err, "level %.1f", level)
	}

	assert.Empty(t, f.devices.executed)
}

func TestCommandUnsupportedName(t *testing.T) {
	f := newFixture(t, []sdmapi.Device{testDevice(t, "dev-a", thermostatTraits)})

	err := f.bridge.Command(context.Background(), "dev-a", "Toggle", 1)
	require.Error(t, err)
	assert.Empty(t, f.devices.executed)
}

func TestCommandFailsFastOnGatewayError(t *testing.T) {
	f := newFixture(t, []sdmapi.Device{testDevice(t, "dev-a", thermostatTraits)})
	require.NoError(t, f.bridge.Start(context.Background(), nil))

	f.devices.mu.Lock()
	f.devices.execErr = errors.New("upstream down")
	f.devices.mu.Unlock()

	err := f.bridge.Command(context.Background(), "dev-a", "setheat", 21.0)
	require.Error(t, err)

	// One dispatch, no retries at this layer
	assert.Len(t, f.devices.executed, 1)
}

func TestStopPersistsCredentials(t *testing.T) {
	f := newFixture(t, nil)

	f.bridge.Stop(context.Background())
	assert.Equal(t, 1, f.tokens.persistCalls)
}

func TestDeviceSnapshot(t *testing.T) {
	f := newFixture(t, []sdmapi.Device{testDevice(t, "dev-a", thermostatTraits)})
	require.NoError(t, f.bridge.Start(context.Background(), nil))

	snap := f.bridge.DeviceSnapshot()
	require.Len(t, snap, 1)

	assert.Equal(t, "dev-a", snap[0].ID)
	assert.Equal(t, "Hallway", snap[0].Name)
	assert.Equal(t, 1, snap[0].Unit)
	require.NotNil(t, snap[0].Online)
	assert.True(t, *snap[0].Online)
	require.NotNil(t, snap[0].TemperatureC)
	assert.InDelta(t, 21.5, float64(*snap[0].TemperatureC), 0.01)
	require.NotNil(t, snap[0].HeatSetpointC)
	assert.InDelta(t, 20.5, float64(*snap[0].HeatSetpointC), 0.01)
}
