package gateway

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/jake-scott/nest-bridge/internal/pkg/sdmapi"
)

// sdmState is shared across the value copies the gateway makes via
// WithAccessToken.
type sdmState struct {
	mu         sync.Mutex
	script     []error
	calls      int
	tokensSeen []string
	devices    []sdmapi.Device
}

func (s *sdmState) next(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokensSeen = append(s.tokensSeen, token)
	idx := s.calls
	s.calls++

	if idx < len(s.script) {
		return s.script[idx]
	}
	return nil
}

type fakeSDM struct {
	state *sdmState
	token string
}

func (f *fakeSDM) WithAccessToken(token string) sdmapi.SmartDeviceManagement {
	nc := *f
	nc.token = token
	return &nc
}

func (f *fakeSDM) WithTimeout(time.Duration) sdmapi.SmartDeviceManagement {
	return f
}

func (f *fakeSDM) Devices() ([]sdmapi.Device, error) {
	if err := f.state.next(f.token); err != nil {
		return nil, err
	}
	return f.state.devices, nil
}

func (f *fakeSDM) GetDevice(deviceID string) (*sdmapi.Device, error) {
	if err := f.state.next(f.token); err != nil {
		return nil, err
	}
	return &sdmapi.Device{ID: deviceID}, nil
}

func (f *fakeSDM) SendCommand(string, sdmapi.Command) error {
	return f.state.next(f.token)
}

type fakeTokens struct {
	mu          sync.Mutex
	token       string
	forcedToken string
	ensureErr   error
	forceErr    error
	ensureCalls int
	forceCalls  int
}

func (f *fakeTokens) EnsureValidToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureCalls++
	return f.token, f.ensureErr
}

func (f *fakeTokens) ForceRefresh(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forceCalls++
	return f.forcedToken, f.forceErr
}

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) Sleep(d time.Duration) {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
}

func newTestGateway(script []error, tokens *fakeTokens, opts ...Option) (*Gateway, *sdmState, *sleepRecorder) {
	state := &sdmState{
		script:  script,
		devices: []sdmapi.Device{{ID: "device-1"}},
	}
	sleeps := &sleepRecorder{}

	base := []Option{WithSleepFunc(sleeps.Sleep)}
	g := New(&fakeSDM{state: state}, tokens, append(base, opts...)...)

	return g, state, sleeps
}

func connErr(msg string) error {
	return &url.Error{Op: "Get", URL: "https://smartdevicemanagement.googleapis.com/", Err: errors.New(msg)}
}

func TestSuccessfulCallMarksHealthy(t *testing.T) {
	tokens := &fakeTokens{token: "tok-1"}
	g, state, _ := newTestGateway(nil, tokens)

	devs, err := g.Devices(context.Background())
	require.NoError(t, err)
	require.Len(t, devs, 1)
	assert.Equal(t, []string{"tok-1"}, state.tokensSeen)

	h := g.Health()
	assert.True(t, h.Healthy)
	assert.False(t, h.LastSuccessAt.IsZero())
}

func TestUnauthorizedForcesOneRefresh(t *testing.T) {
	tokens := &fakeTokens{token: "stale-token", forcedToken: "fresh-token"}
	g, state, _ := newTestGateway([]error{&googleapi.Error{Code: 401}}, tokens)

	_, err := g.Devices(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, tokens.forceCalls)
	assert.Equal(t, []string{"stale-token", "fresh-token"}, state.tokensSeen)
}

func TestUnauthorizedAfterRefreshIsTerminal(t *testing.T) {
	tokens := &fakeTokens{token: "stale-token", forcedToken: "also-bad"}
	g, state, _ := newTestGateway([]error{
		&googleapi.Error{Code: 401},
		&googleapi.Error{Code: 401},
	}, tokens)

	_, err := g.Devices(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)

	// Exactly one forced refresh per logical call, never a loop
	assert.Equal(t, 1, tokens.forceCalls)
	assert.Equal(t, 2, state.calls)
}

func TestOtherStatusPassesThroughUnretried(t *testing.T) {
	tokens := &fakeTokens{token: "tok-1"}
	g, state, sleeps := newTestGateway([]error{&googleapi.Error{Code: 404, Message: "no such device"}}, tokens)

	_, err := g.Devices(context.Background())
	require.Error(t, err)

	var gerr *googleapi.Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, 404, gerr.Code)

	assert.Equal(t, 1, state.calls)
	assert.Equal(t, 0, tokens.forceCalls)
	assert.Empty(t, sleeps.sleeps)

	// An application error is not a connection failure
	assert.True(t, g.Health().Healthy)
}

func TestStatusErrorTreatedLikeHTTPStatus(t *testing.T) {
	tokens := &fakeTokens{token: "tok-1"}
	g, state, _ := newTestGateway([]error{&StatusError{Code: 429, Body: "rate limited"}}, tokens)

	_, err := g.Devices(context.Background())
	require.Error(t, err)

	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 429, serr.Code)
	assert.Equal(t, 1, state.calls)
}

func TestConnectionErrorsRetriedWithBackoff(t *testing.T) {
	tokens := &fakeTokens{token: "tok-1"}
	g, state, sleeps := newTestGateway([]error{
		connErr("connection refused"),
		connErr("connection refused"),
	}, tokens)

	_, err := g.Devices(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, state.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps.sleeps)
	assert.True(t, g.Health().Healthy)
}

func TestConnectionRetryBudgetExhausted(t *testing.T) {
	tokens := &fakeTokens{token: "tok-1"}
	g, state, _ := newTestGateway([]error{
		connErr("connection refused"),
		connErr("connection refused"),
		connErr("connection refused"),
	}, tokens)

	_, err := g.Devices(context.Background())
	require.ErrorIs(t, err, ErrConnectionFailed)

	assert.Equal(t, 3, state.calls)

	h := g.Health()
	assert.False(t, h.Healthy)
	assert.False(t, h.LastErrorAt.IsZero())
}

func TestDeadlineExceededReportsTimeout(t *testing.T) {
	tokens := &fakeTokens{token: "tok-1"}
	g, _, _ := newTestGateway([]error{
		context.DeadlineExceeded,
		context.DeadlineExceeded,
		context.DeadlineExceeded,
	}, tokens)

	_, err := g.Devices(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	assert.False(t, g.Health().Healthy)
}

func TestRecoveryResetsHealth(t *testing.T) {
	tokens := &fakeTokens{token: "tok-1"}
	g, _, _ := newTestGateway([]error{
		connErr("connection refused"),
		connErr("connection refused"),
		connErr("connection refused"),
	}, tokens)

	_, err := g.Devices(context.Background())
	require.ErrorIs(t, err, ErrConnectionFailed)
	require.False(t, g.Health().Healthy)

	// Next call succeeds; the flag flips back
	_, err = g.Devices(context.Background())
	require.NoError(t, err)
	assert.True(t, g.Health().Healthy)
}

func TestAuthFailureShortCircuits(t *testing.T) {
	tokens := &fakeTokens{ensureErr: errors.New("refresh throttled")}
	g, state, _ := newTestGateway(nil, tokens)

	_, err := g.Devices(context.Background())
	require.Error(t, err)
	assert.Equal(t, "refresh throttled", errors.Cause(err).Error())

	// The upstream is never touched without a token
	assert.Equal(t, 0, state.calls)
}

func TestForcedRefreshFailurePropagates(t *testing.T) {
	tokens := &fakeTokens{token: "stale-token", forceErr: errors.New("grant revoked")}
	g, state, _ := newTestGateway([]error{&googleapi.Error{Code: 401}}, tokens)

	_, err := g.Devices(context.Background())
	require.Error(t, err)
	assert.Equal(t, "grant revoked", errors.Cause(err).Error())
	assert.Equal(t, 1, state.calls)
}

func TestExecuteUsesSameResilience(t *testing.T) {
	tokens := &fakeTokens{token: "stale-token", forcedToken: "fresh-token"}
	g, state, _ := newTestGateway([]error{&googleapi.Error{Code: 401}}, tokens)

	cmd := sdmapi.NewThermostatTemperatureSetpointHeatCommand(21.5)
	err := g.Execute(context.Background(), "device-1", cmd)
	require.NoError(t, err)

	assert.Equal(t, 1, tokens.forceCalls)
	assert.Equal(t, 2, state.calls)
}
