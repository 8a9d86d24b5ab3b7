package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/korovkin/limiter"
	"github.com/pkg/errors"

	"github.com/jake-scott/nest-bridge/internal/pkg/bridge"
	"github.com/jake-scott/nest-bridge/internal/pkg/gateway"
	"github.com/jake-scott/nest-bridge/internal/pkg/nestauth"
)

// BridgeService is the slice of the bridge the diagnostics surface
// needs.
type BridgeService interface {
	Health() gateway.Health
	DeviceSnapshot() []bridge.DeviceSummary
	Command(ctx context.Context, deviceID, commandName string, level float64) error
}

// TokenStatus exposes credential state for the health report.
type TokenStatus interface {
	Expiry() time.Time
	FailureState() (int, time.Time)
}

// Diag serves the local diagnostics endpoints.
type Diag struct {
	bridge BridgeService
	tokens TokenStatus
	limit  *limiter.ConcurrencyLimiter
}

func NewDiag(b BridgeService, tokens TokenStatus, maxConcurrentCommands int) *Diag {
	if maxConcurrentCommands <= 0 {
		maxConcurrentCommands = 2
	}

	return &Diag{
		bridge: b,
		tokens: tokens,
		limit:  limiter.NewConcurrencyLimiter(maxConcurrentCommands),
	}
}

// Register attaches the diagnostics routes to a router.
func (d *Diag) Register(r *mux.Router) {
	r.HandleFunc("/healthz", d.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/devices", d.Devices).Methods(http.MethodGet)
	r.HandleFunc("/command", d.Command).Methods(http.MethodPost)
}

type healthReport struct {
	Healthy          bool       `json:"healthy"`
	LastSuccessAt    *time.Time `json:"last_success_at,omitempty"`
	LastErrorAt      *time.Time `json:"last_error_at,omitempty"`
	TokenExpiresAt   *time.Time `json:"token_expires_at,omitempty"`
	RefreshFailures  int        `json:"refresh_failures"`
	LastRefreshError *time.Time `json:"last_refresh_failure_at,omitempty"`
}

func (d *Diag) Healthz(w http.ResponseWriter, r *http.Request) {
	h := d.bridge.Health()
	failures, lastFailure := d.tokens.FailureState()

	report := healthReport{
		Healthy:         h.Healthy,
		RefreshFailures: failures,
	}
	if !h.LastSuccessAt.IsZero() {
		report.LastSuccessAt = &h.LastSuccessAt
	}
	if !h.LastErrorAt.IsZero() {
		report.LastErrorAt = &h.LastErrorAt
	}
	if expiry := d.tokens.Expiry(); !expiry.IsZero() {
		report.TokenExpiresAt = &expiry
	}
	if !lastFailure.IsZero() {
		report.LastRefreshError = &lastFailure
	}

	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, r, status, report)
}

func (d *Diag) Devices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, d.bridge.DeviceSnapshot())
}

type commandRequest struct {
	DeviceID string  `json:"device_id"`
	Command  string  `json:"command"`
	Level    float64 `json:"level"`
}

func (d *Diag) Command(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	if req.DeviceID == "" || req.Command == "" {
		writeError(w, r, http.StatusBadRequest, errors.New("device_id and command are required"))
		return
	}

	// Bound the number of in-flight dispatches; the handler still
	// waits for its own result
	errc := make(chan error, 1)
	d.limit.Execute(func() {
		errc <- d.bridge.Command(r.Context(), req.DeviceID, req.Command, req.Level)
	})
	err := <-errc

	if err == nil {
		writeJSON(w, r, http.StatusOK, map[string]string{"result": "ok"})
		return
	}

	writeError(w, r, commandErrorStatus(err), err)
}

// commandErrorStatus maps the bridge error taxonomy onto response
// codes for the diagnostics caller.
func commandErrorStatus(err error) int {
	switch {
	case errors.Is(err, nestauth.ErrInvalidGrant):
		return http.StatusForbidden
	case errors.Is(err, nestauth.ErrThrottled):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrUnauthorized):
		return http.StatusBadGateway
	case errors.Is(err, gateway.ErrConnectionFailed), errors.Is(err, gateway.ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}
