package gateway

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/jake-scott/nest-bridge/internal/pkg/logging"
	"github.com/jake-scott/nest-bridge/internal/pkg/sdmapi"
)

// Connection-level failures tolerated per call before giving up
const defaultMaxRetries = 3

// TokenSource supplies bearer tokens for outbound calls.
type TokenSource interface {
	EnsureValidToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// Recorder receives call outcomes; satisfied by the metrics package.
type Recorder interface {
	RecordCall(op, outcome string)
	SetConnectionHealthy(healthy bool)
}

// Health is the connection state consumed by the poll scheduler.
type Health struct {
	Healthy       bool
	LastErrorAt   time.Time
	LastSuccessAt time.Time
}

// Gateway wraps the SDM client with 401-triggered re-auth and bounded
// retries on connection failures, and tracks connection health.
type Gateway struct {
	sdm        sdmapi.SmartDeviceManagement
	tokens     TokenSource
	maxRetries int
	recorder   Recorder
	now        func() time.Time
	sleep      func(time.Duration)

	mu     sync.Mutex
	health Health
}

// Option customizes Gateway creation.
type Option func(*Gateway)

// WithNowFunc overrides the clock (testing).
func WithNowFunc(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// WithSleepFunc overrides the backoff sleep (testing).
func WithSleepFunc(sleep func(time.Duration)) Option {
	return func(g *Gateway) {
		if sleep != nil {
			g.sleep = sleep
		}
	}
}

// WithMaxRetries overrides the connection retry budget.
func WithMaxRetries(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxRetries = n
		}
	}
}

// WithRecorder attaches a call outcome recorder.
func WithRecorder(r Recorder) Option {
	return func(g *Gateway) {
		g.recorder = r
	}
}

func New(sdm sdmapi.SmartDeviceManagement, tokens TokenSource, opts ...Option) *Gateway {
	g := &Gateway{
		sdm:        sdm,
		tokens:     tokens,
		maxRetries: defaultMaxRetries,
		now:        time.Now,
		sleep:      time.Sleep,
		health:     Health{Healthy: true},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}

	return g
}

// Health returns the connection health snapshot.
func (g *Gateway) Health() Health {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.health
}

// Devices lists all devices in the SDM project.
func (g *Gateway) Devices(ctx context.Context) ([]sdmapi.Device, error) {
	var devs []sdmapi.Device

	err := g.do(ctx, "list-devices", func(c sdmapi.SmartDeviceManagement) error {
		var err error
		devs, err = c.Devices()
		return err
	})

	return devs, err
}

// Execute sends a command to a device.
func (g *Gateway) Execute(ctx context.Context, deviceID string, command sdmapi.Command) error {
	return g.do(ctx, "execute-command", func(c sdmapi.SmartDeviceManagement) error {
		return c.SendCommand(deviceID, command)
	})
}

// do runs one logical API call: token first, then the call, with a
// single forced re-auth on 401 and bounded retries on connection
// failures. Application-level statuses other than 401 pass through
// untouched.
func (g *Gateway) do(ctx context.Context, op string, call func(c sdmapi.SmartDeviceManagement) error) error {
	logger := logging.Logger(ctx)

	token, err := g.tokens.EnsureValidToken(ctx)
	if err != nil {
		g.observe(op, "auth_error")
		return err
	}

	started := g.now()
	refreshed := false
	netAttempts := 0

	for {
		err := call(g.sdm.WithAccessToken(token))
		if err == nil {
			g.markSuccess()
			g.observe(op, "success")
			return nil
		}

		if status, ok := httpStatus(err); ok {
			if status == http.StatusUnauthorized {
				if refreshed {
					logger.Errorf("%s: still unauthorized after forced refresh", op)
					g.observe(op, "unauthorized")
					return errors.Wrap(ErrUnauthorized, op)
				}

				logger.Infof("%s: access token rejected upstream, forcing refresh", op)
				refreshed = true
				if token, err = g.tokens.ForceRefresh(ctx); err != nil {
					g.observe(op, "auth_error")
					return err
				}
				continue
			}

			logger.Warnf("%s: HTTP status %d (elapsed %s)", op, status, g.now().Sub(started))
			g.observe(op, "http_error")
			return err
		}

		if !isConnectionErr(err) {
			g.observe(op, "error")
			return err
		}

		netAttempts++
		if netAttempts < g.maxRetries {
			delay := backoffDelay(netAttempts - 1)
			logger.WithError(err).Warnf("%s: connection failure (attempt %d of %d), retrying in %s",
				op, netAttempts, g.maxRetries, delay)
			g.sleep(delay)
			continue
		}

		g.markFailure()
		elapsed := g.now().Sub(started)

		if isTimeout(err) {
			logger.WithError(err).Errorf("%s: timed out after %d attempts (elapsed %s)", op, netAttempts, elapsed)
			g.observe(op, "timeout")
			return errors.Wrapf(ErrTimeout, "%s after %d attempts: %v", op, netAttempts, err)
		}

		logger.WithError(err).Errorf("%s: connection failed after %d attempts (elapsed %s)", op, netAttempts, elapsed)
		g.observe(op, "connection_failed")
		return errors.Wrapf(ErrConnectionFailed, "%s after %d attempts: %v", op, netAttempts, err)
	}
}

// isConnectionErr reports whether the error is a transport-level
// failure (DNS, TCP, TLS, timeout) as opposed to an application
// error. Only these are worth retrying.
func isConnectionErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var uerr *url.Error
	return errors.As(err, &uerr)
}

func (g *Gateway) markSuccess() {
	g.mu.Lock()
	g.health.Healthy = true
	g.health.LastSuccessAt = g.now()
	g.mu.Unlock()

	if g.recorder != nil {
		g.recorder.SetConnectionHealthy(true)
	}
}

func (g *Gateway) markFailure() {
	g.mu.Lock()
	g.health.Healthy = false
	g.health.LastErrorAt = g.now()
	g.mu.Unlock()

	if g.recorder != nil {
		g.recorder.SetConnectionHealthy(false)
	}
}

func (g *Gateway) observe(op, outcome string) {
	if g.recorder != nil {
		g.recorder.RecordCall(op, outcome)
	}
}

// backoffDelay yields 1s, 2s, 4s... for attempts 0, 1, 2...
func backoffDelay(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}
