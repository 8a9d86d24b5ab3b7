package nestauth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/jake-scott/nest-bridge/internal/pkg/logging"
)

const (
	// DefaultTokenURL is the Google OAuth2 token endpoint.
	DefaultTokenURL = "https://oauth2.googleapis.com/token"

	// Tokens within this much of expiry are treated as invalid
	defaultSkew = time.Minute

	// expires_in default when the token response omits it
	defaultExpiresIn = time.Hour

	// Number of network attempts inside a single refresh
	refreshAttempts = 3

	// Refresh failures tolerated before the cooldown engages
	defaultMaxFailures = 3

	defaultCooldown    = time.Hour
	defaultHTTPTimeout = 10 * time.Second
)

// RotationFunc is invoked when the upstream issues a new refresh
// token, so the host can persist it as the system of record.
// Failures are logged, not fatal.
type RotationFunc func(newRefreshToken string) error

// Manager owns the OAuth2 credential pair and serializes refresh
// attempts: at most one refresh is ever in flight, and a caller that
// arrives mid-refresh waits for and reuses its result.
type Manager struct {
	clientID     string
	clientSecret string
	tokenURL     string
	skew         time.Duration
	cooldown     time.Duration
	maxFailures  int
	snapshotPath string
	rotationFn   RotationFunc
	observeFn    func(outcome string)
	httpClient   *http.Client
	now          func() time.Time
	sleep        func(time.Duration)

	// Everything below is guarded by mu, which spans the whole
	// decide-and-refresh sequence, not just the network call.
	mu                  sync.Mutex
	cred                Credential
	consecutiveFailures int
	lastFailureAt       time.Time
	grantInvalid        bool
}

// Option customizes Manager creation.
type Option func(*Manager)

// WithHTTPClient overrides the HTTP client used for the token exchange.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		if client != nil {
			m.httpClient = client
		}
	}
}

// WithTokenURL overrides the token endpoint.
func WithTokenURL(tokenURL string) Option {
	return func(m *Manager) {
		if tokenURL != "" {
			m.tokenURL = tokenURL
		}
	}
}

// WithNowFunc overrides the clock (testing).
func WithNowFunc(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithSleepFunc overrides the backoff sleep (testing).
func WithSleepFunc(sleep func(time.Duration)) Option {
	return func(m *Manager) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

// WithSnapshotPath enables the credential snapshot file.
func WithSnapshotPath(path string) Option {
	return func(m *Manager) {
		m.snapshotPath = path
	}
}

// WithRotationFunc sets the host push side-channel for rotated
// refresh tokens.
func WithRotationFunc(fn RotationFunc) Option {
	return func(m *Manager) {
		m.rotationFn = fn
	}
}

// WithObserver sets a hook receiving the outcome of every refresh
// decision (success, failed, invalid_grant, throttled).
func WithObserver(fn func(outcome string)) Option {
	return func(m *Manager) {
		m.observeFn = fn
	}
}

// WithSkew overrides the expiry skew.
func WithSkew(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.skew = d
		}
	}
}

// WithCooldown overrides the failure cooldown window.
func WithCooldown(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.cooldown = d
		}
	}
}

// WithMaxFailures overrides the consecutive-failure threshold.
func WithMaxFailures(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxFailures = n
		}
	}
}

// NewManager creates a token manager seeded with the host-supplied
// refresh token. If that token is empty and a snapshot path is
// configured, the snapshot file is used as a fallback seed.
func NewManager(clientID, clientSecret, refreshToken string, opts ...Option) *Manager {
	m := &Manager{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     DefaultTokenURL,
		skew:         defaultSkew,
		cooldown:     defaultCooldown,
		maxFailures:  defaultMaxFailures,
		httpClient:   &http.Client{Timeout: defaultHTTPTimeout},
		now:          time.Now,
		sleep:        time.Sleep,
		cred:         Credential{RefreshToken: refreshToken},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	if m.cred.RefreshToken == "" && m.snapshotPath != "" {
		if cred, err := LoadSnapshot(m.snapshotPath); err == nil && cred.RefreshToken != "" {
			m.cred = cred
			logging.Logger(nil).Infof("Seeded refresh token from snapshot %s", m.snapshotPath)
		} else if err != nil {
			logging.Logger(nil).WithError(err).Warn("No host refresh token and snapshot unusable")
		}
	}

	return m
}

// EnsureValidToken returns a usable access token, refreshing it first
// if needed. Concurrent callers are serialized; only one network
// refresh is ever issued for the same expiry event.
func (m *Manager) EnsureValidToken(ctx context.Context) (string, error) {
	return m.token(ctx, false)
}

// ForceRefresh discards the cached access token and performs a
// refresh even if the token looks locally valid. Used after the
// upstream rejects a token with 401.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	return m.token(ctx, true)
}

func (m *Manager) token(ctx context.Context, force bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	// Fast path: cached token still valid
	if !force && m.cred.ValidAt(now, m.skew) {
		return m.cred.AccessToken, nil
	}

	// Guard path: repeated failures put us in a cooldown window
	if m.consecutiveFailures >= m.maxFailures {
		if now.Sub(m.lastFailureAt) <= m.cooldown {
			if m.grantInvalid {
				m.observe("invalid_grant")
				return "", errors.WithStack(ErrInvalidGrant)
			}
			m.observe("throttled")
			return "", errors.Wrapf(ErrThrottled, "%d consecutive failures, cooling down until %s",
				m.consecutiveFailures, m.lastFailureAt.Add(m.cooldown))
		}

		logging.Logger(ctx).Info("Refresh failure cooldown elapsed, resetting counter")
		m.consecutiveFailures = 0
		m.grantInvalid = false
	}

	if m.cred.RefreshToken == "" {
		return "", errors.New("no refresh token available - authorize the bridge first")
	}

	token, err := m.refresh(ctx)
	if err != nil {
		return "", err
	}

	return token, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// refresh performs the refresh_token exchange with bounded internal
// retries. Callers hold m.mu.
func (m *Manager) refresh(ctx context.Context) (string, error) {
	logging.Logger(ctx).Debug("Refreshing access token")
	started := m.now()

	form := url.Values{
		"client_id":     {m.clientID},
		"client_secret": {m.clientSecret},
		"refresh_token": {m.cred.RefreshToken},
		"grant_type":    {"refresh_token"},
	}.Encode()

	var body []byte
	var status int
	var lastErr error

	for attempt := 0; attempt < refreshAttempts; attempt++ {
		body, status, lastErr = m.postForm(ctx, form)

		if lastErr == nil {
			if status == http.StatusOK {
				break
			}

			// A dead grant never recovers; skip further attempts
			if status == http.StatusBadRequest && strings.Contains(string(body), "invalid_grant") {
				logging.Logger(ctx).Errorf("Refresh token is invalid (attempt %d, elapsed %s) - re-authorization required",
					attempt+1, m.now().Sub(started))
				m.consecutiveFailures = m.maxFailures
				m.lastFailureAt = m.now()
				m.grantInvalid = true
				m.observe("invalid_grant")
				return "", errors.WithStack(ErrInvalidGrant)
			}

			logging.Logger(ctx).Warnf("Token refresh returned status %d (attempt %d of %d): %s",
				status, attempt+1, refreshAttempts, body)
		} else {
			logging.Logger(ctx).WithError(lastErr).Warnf("Token refresh network failure (attempt %d of %d)",
				attempt+1, refreshAttempts)
		}

		if attempt < refreshAttempts-1 {
			m.sleep(backoffDelay(attempt))
		}
	}

	if lastErr != nil || status != http.StatusOK {
		m.consecutiveFailures++
		m.lastFailureAt = m.now()
		m.observe("failed")

		if lastErr != nil {
			return "", errors.Wrapf(ErrRefreshFailed, "after %d attempts (elapsed %s): %v",
				refreshAttempts, m.now().Sub(started), lastErr)
		}
		return "", errors.Wrapf(ErrRefreshFailed, "status %d after %d attempts (elapsed %s)",
			status, refreshAttempts, m.now().Sub(started))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		m.consecutiveFailures++
		m.lastFailureAt = m.now()
		m.observe("failed")
		return "", errors.Wrapf(ErrRefreshFailed, "decoding token response: %v", err)
	}

	expiresIn := defaultExpiresIn
	if tr.ExpiresIn > 0 {
		expiresIn = time.Duration(tr.ExpiresIn) * time.Second
	}

	m.cred.AccessToken = tr.AccessToken
	m.cred.ExpiresAt = m.now().Add(expiresIn)

	if tr.RefreshToken != "" && tr.RefreshToken != m.cred.RefreshToken {
		m.cred.RefreshToken = tr.RefreshToken
		logging.Logger(ctx).Info("Refresh token rotated - pushing to host configuration")

		if m.rotationFn != nil {
			if err := m.rotationFn(tr.RefreshToken); err != nil {
				logging.Logger(ctx).WithError(err).Error("Pushing rotated refresh token to host")
			}
		}
	}

	m.consecutiveFailures = 0
	m.grantInvalid = false
	m.persistLocked(ctx)
	m.observe("success")

	logging.Logger(ctx).Infof("Access token refreshed (expires in %s, elapsed %s)",
		expiresIn, m.now().Sub(started))

	return m.cred.AccessToken, nil
}

func (m *Manager) postForm(ctx context.Context, form string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form))
	if err != nil {
		return nil, 0, errors.Wrap(err, "building token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, errors.Wrap(err, "reading token response body")
	}

	return body, resp.StatusCode, nil
}

// Persist writes the credential snapshot, if one is configured. Also
// called on shutdown.
func (m *Manager) Persist() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.snapshotPath == "" {
		return nil
	}
	return SaveSnapshot(m.snapshotPath, m.cred, m.now())
}

// persistLocked is the best-effort variant used after a successful
// refresh. Callers hold m.mu.
func (m *Manager) persistLocked(ctx context.Context) {
	if m.snapshotPath == "" {
		return
	}
	if err := SaveSnapshot(m.snapshotPath, m.cred, m.now()); err != nil {
		logging.Logger(ctx).WithError(err).Error("Saving credential snapshot")
	}
}

// Expiry returns the current access token expiry; the zero time when
// no token has been obtained yet.
func (m *Manager) Expiry() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred.ExpiresAt
}

// RefreshToken returns the current refresh token.
func (m *Manager) RefreshToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred.RefreshToken
}

// FailureState reports the consecutive failure count and the time of
// the last failure, for diagnostics.
func (m *Manager) FailureState() (int, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveFailures, m.lastFailureAt
}

func (m *Manager) observe(outcome string) {
	if m.observeFn != nil {
		m.observeFn(outcome)
	}
}

// backoffDelay yields 1s, 2s, 4s... for attempts 0, 1, 2...
func backoffDelay(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}
