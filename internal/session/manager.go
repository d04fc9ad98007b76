package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"authkit/internal/credstore"
	"authkit/internal/oidc"
)

// restoreRefreshWindow is how close to expiry a restored token must be
// before restore attempts an eager refresh instead of trusting it.
const restoreRefreshWindow = 60 * time.Second

// backgroundRefreshTimeout bounds a scheduler-triggered refresh attempt.
const backgroundRefreshTimeout = time.Minute

// refreshRetryInterval spaces out retries after a failed refresh whose
// token expiry is already inside the margin, so the scheduler does not
// refire in a tight loop.
const refreshRetryInterval = time.Minute

// Manager is the process-wide authentication session orchestrator. It owns
// the session state machine, drives the OIDC flow through the provider,
// persists and restores credentials, keeps tokens fresh through the refresh
// scheduler, and publishes status changes through the broadcaster.
//
// All transitions are serialized under a single mutex. Network and storage
// I/O runs outside the critical section; an epoch counter detects when a
// competing transition (most importantly a sign-out) happened while a call
// was in flight, in which case the stale result is discarded.
type Manager struct {
	provider oidc.Provider
	store    credstore.Store
	logger   *slog.Logger
	key      string

	broadcaster *Broadcaster
	scheduler   *RefreshScheduler

	mu     sync.Mutex
	status Status
	user   *UserProfile
	tokens *oidc.TokenSet
	nonce  string
	epoch  uint64
}

// ManagerOption configures the session manager.
type ManagerOption func(*Manager)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithCredentialKey overrides the storage key the session is persisted
// under.
func WithCredentialKey(key string) ManagerOption {
	return func(m *Manager) {
		m.key = key
	}
}

// NewManager creates a session manager in the SignedOut state. Call Restore
// once at startup to pick up a persisted session, and Close on teardown.
func NewManager(provider oidc.Provider, store credstore.Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		provider: provider,
		store:    store,
		logger:   slog.Default(),
		key:      DefaultCredentialKey,
		status:   StatusSignedOut,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.broadcaster = NewBroadcaster(m.logger)
	m.scheduler = NewRefreshScheduler(m.backgroundRefresh, m.logger)

	return m
}

// snapshotLocked builds the publishable projection of the current state.
// Requires m.mu.
func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{Status: m.status, User: m.user}
}

// Status returns the current session snapshot.
func (m *Manager) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Subscribe registers a sink for status updates. The current snapshot is
// delivered first, and successive updates arrive in order. The returned ID
// cancels the subscription via Unsubscribe.
func (m *Manager) Subscribe(sink Sink) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Holding the state lock while registering keeps the initial snapshot
	// consistent with the update stream: Publish is non-blocking and every
	// publisher holds this lock.
	return m.broadcaster.Subscribe(m.snapshotLocked(), sink)
}

// Unsubscribe removes a subscription. Unknown IDs are ignored.
func (m *Manager) Unsubscribe(id string) {
	m.broadcaster.Unsubscribe(id)
}

// CreateLoginRequest starts a login flow and returns the authorization URL
// the host must open in an external browser. A fresh nonce binds the
// eventual callback to this request. When the session is already SignedIn
// the call is idempotent: it republishes the current snapshot and returns
// an empty URL.
func (m *Manager) CreateLoginRequest(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.status == StatusSignedIn {
		m.broadcaster.Publish(m.snapshotLocked())
		m.mu.Unlock()
		return "", nil
	}

	nonce, err := oidc.GenerateState()
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	// Each attempt gets its own epoch so a stale completion or failure of
	// an earlier attempt cannot touch this one.
	m.epoch++
	m.nonce = nonce
	m.status = StatusAuthenticating
	m.broadcaster.Publish(m.snapshotLocked())
	epoch := m.epoch
	m.mu.Unlock()

	// Discovery may hit the network; run it outside the lock.
	authURL, err := m.provider.AuthorizationURL(ctx, nonce)
	if err != nil {
		m.failLogin(epoch)
		return "", err
	}

	return authURL, nil
}

// Nonce returns the state value bound to the pending login request, empty
// when no login is in flight.
func (m *Manager) Nonce() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonce
}

// CompleteLogin finishes a login flow with the authorization code delivered
// by the provider callback. state must match the nonce issued by
// CreateLoginRequest. Errors leave the session SignedOut with nothing
// persisted.
func (m *Manager) CompleteLogin(ctx context.Context, code, state string) error {
	m.mu.Lock()
	if m.nonce == "" || state != m.nonce {
		m.mu.Unlock()
		return fmt.Errorf("callback state does not match the pending login request")
	}
	epoch := m.epoch
	m.mu.Unlock()

	tokens, err := m.provider.ExchangeCode(ctx, code)
	if err != nil {
		m.failLogin(epoch)
		return err
	}

	return m.completeWithTokens(ctx, tokens, epoch)
}

// CompleteLoginWithTokens finishes a login with a token bundle handed
// directly to the host, bypassing the code exchange.
func (m *Manager) CompleteLoginWithTokens(ctx context.Context, tokens *oidc.TokenSet) error {
	if tokens == nil || tokens.AccessToken == "" {
		return &oidc.InvalidTokenError{Reason: "token bundle has no access token"}
	}
	tokens.SetExpiresAtFromExpiresIn()

	m.mu.Lock()
	epoch := m.epoch
	m.mu.Unlock()

	return m.completeWithTokens(ctx, tokens, epoch)
}

// completeWithTokens fetches the user profile, persists the credential and
// transitions to SignedIn, unless a competing transition happened since
// epoch was read.
func (m *Manager) completeWithTokens(ctx context.Context, tokens *oidc.TokenSet, epoch uint64) error {
	claims, err := m.provider.UserInfo(ctx, tokens.AccessToken)
	if err != nil {
		m.failLogin(epoch)
		return err
	}

	user := NewUserProfileFromClaims(claims)
	if user == nil {
		m.failLogin(epoch)
		return &oidc.InvalidTokenError{Reason: "userinfo response carries no subject"}
	}
	m.fillProfileFromIDToken(user, tokens.IDToken)

	payload, err := encodeCredential(tokens, user)
	if err != nil {
		m.failLogin(epoch)
		return err
	}
	if err := m.store.Set(ctx, m.key, payload); err != nil {
		m.failLogin(epoch)
		return err
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		// A sign-out won the race; remove the credential written above.
		if err := m.store.Set(ctx, m.key, nil); err != nil {
			m.logger.Warn("Failed to remove superseded credential", "error", err.Error())
		}
		return errors.New("login superseded by a concurrent sign-out")
	}
	m.status = StatusSignedIn
	m.user = user
	m.tokens = tokens
	m.nonce = ""
	m.broadcaster.Publish(m.snapshotLocked())
	expiresAt := tokens.ExpiresAt
	m.mu.Unlock()

	m.scheduler.ScheduleAt(expiresAt)

	m.logger.Info("Signed in",
		"subject", user.Subject,
		"has_refresh_token", tokens.RefreshToken != "",
	)
	return nil
}

// fillProfileFromIDToken fills display fields missing from userinfo with
// claims decoded from the ID token. Advisory only: decode failures leave
// the profile as is.
func (m *Manager) fillProfileFromIDToken(user *UserProfile, idToken string) {
	if idToken == "" || (user.DisplayName != "" && user.Email != "" && user.PhotoURL != "") {
		return
	}

	claims, err := oidc.DecodeIdentityClaims(idToken)
	if err != nil {
		m.logger.Debug("Could not decode ID token claims", "error", err.Error())
		return
	}

	if user.DisplayName == "" {
		if name := claims.String("name"); name != "" {
			user.DisplayName = name
		} else {
			user.DisplayName = claims.String("preferred_username")
		}
	}
	if user.Email == "" {
		user.Email = claims.String("email")
	}
	if user.PhotoURL == "" {
		user.PhotoURL = claims.String("picture")
	}
}

// failLogin rolls an in-flight login back to SignedOut, unless a competing
// transition already moved the session on.
func (m *Manager) failLogin(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.epoch != epoch || m.status == StatusSignedIn {
		return
	}
	m.status = StatusSignedOut
	m.nonce = ""
	m.broadcaster.Publish(m.snapshotLocked())
}

// Restore loads a persisted session at startup. A credential close to
// expiry is refreshed eagerly before reporting SignedIn; any failure
// degrades to SignedOut with persisted remnants cleared. Restore never
// returns an error.
func (m *Manager) Restore(ctx context.Context) {
	m.mu.Lock()
	epoch := m.epoch
	m.mu.Unlock()

	data, err := m.store.Get(ctx, m.key)
	if err != nil {
		m.logger.Warn("Failed to read persisted credential", "error", err.Error())
		return
	}
	if data == nil {
		m.logger.Debug("No persisted credential")
		return
	}

	payload, err := decodeCredential(data)
	if err != nil {
		m.logger.Warn("Discarding unreadable persisted credential", "error", err.Error())
		m.clearPersisted(ctx)
		return
	}

	tokens := payload.Tokens
	user := payload.UserInfo

	if tokens.IsExpiredWithMargin(restoreRefreshWindow) {
		if tokens.RefreshToken == "" {
			m.logger.Info("Persisted credential expired with no refresh token")
			m.clearPersisted(ctx)
			return
		}

		refreshed, err := m.provider.ExchangeRefreshToken(ctx, tokens)
		if err != nil {
			m.logger.Warn("Startup token refresh failed", "error", err.Error())
			m.clearPersisted(ctx)
			return
		}
		tokens = refreshed
	}

	if user == nil {
		claims, err := m.provider.UserInfo(ctx, tokens.AccessToken)
		if err != nil {
			m.logger.Warn("Failed to fetch user profile during restore", "error", err.Error())
			m.clearPersisted(ctx)
			return
		}
		user = NewUserProfileFromClaims(claims)
		if user == nil {
			m.clearPersisted(ctx)
			return
		}
	}

	if persisted, err := encodeCredential(tokens, user); err == nil {
		if err := m.store.Set(ctx, m.key, persisted); err != nil {
			m.logger.Warn("Failed to persist restored credential", "error", err.Error())
		}
	}

	m.mu.Lock()
	if m.status != StatusSignedOut || m.epoch != epoch {
		signedOut := m.status == StatusSignedOut
		m.mu.Unlock()
		// A competing transition won the race; keep the newer state. A
		// sign-out also invalidates the credential re-persisted above.
		if signedOut {
			m.clearPersisted(ctx)
		}
		return
	}
	m.status = StatusSignedIn
	m.user = user
	m.tokens = tokens
	m.broadcaster.Publish(m.snapshotLocked())
	expiresAt := tokens.ExpiresAt
	m.mu.Unlock()

	m.scheduler.ScheduleAt(expiresAt)

	m.logger.Info("Restored session", "subject", user.Subject)
}

// clearPersisted removes the persisted credential, logging failures.
func (m *Manager) clearPersisted(ctx context.Context) {
	if err := m.store.Set(ctx, m.key, nil); err != nil {
		m.logger.Warn("Failed to clear persisted credential", "error", err.Error())
	}
}

// Refresh exchanges the stored refresh token for a fresh TokenSet. On
// success the new tokens are persisted and the scheduler re-armed. On
// failure the session stays SignedIn with the last-known-good tokens; only
// restore-time refreshes force a sign-out.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	if m.status != StatusSignedIn || m.tokens == nil {
		m.mu.Unlock()
		return fmt.Errorf("no active session to refresh")
	}
	prev := m.tokens
	user := m.user
	epoch := m.epoch
	m.status = StatusRefreshing
	m.broadcaster.Publish(m.snapshotLocked())
	m.mu.Unlock()

	refreshed, err := m.provider.ExchangeRefreshToken(ctx, prev)
	if err != nil {
		m.mu.Lock()
		if m.epoch != epoch || m.status != StatusRefreshing {
			m.mu.Unlock()
			return err
		}
		// Keep the last-known-good session rather than surprise the user
		// with a logout.
		m.status = StatusSignedIn
		m.broadcaster.Publish(m.snapshotLocked())
		expiresAt := m.tokens.ExpiresAt
		m.mu.Unlock()

		m.rearmAfterFailure(expiresAt)
		return err
	}

	// Persist before committing so the epoch re-check below covers the
	// write; a sign-out landing after it gets the credential removed again.
	if payload, err := encodeCredential(refreshed, user); err == nil {
		if err := m.store.Set(ctx, m.key, payload); err != nil {
			m.logger.Warn("Failed to persist refreshed credential", "error", err.Error())
		}
	}

	m.mu.Lock()
	if m.epoch != epoch || m.status != StatusRefreshing {
		// A sign-out raced the refresh; drop the result and remove the
		// credential written above.
		m.mu.Unlock()
		m.clearPersisted(ctx)
		return nil
	}
	m.tokens = refreshed
	m.status = StatusSignedIn
	m.broadcaster.Publish(m.snapshotLocked())
	expiresAt := refreshed.ExpiresAt
	m.mu.Unlock()

	m.scheduler.ScheduleAt(expiresAt)

	m.logger.Debug("Refreshed session tokens", "expires_at", expiresAt)
	return nil
}

// rearmAfterFailure re-arms the scheduler after a failed refresh. When the
// unchanged expiry already falls inside the margin, a fixed retry interval
// is used instead of refiring immediately.
func (m *Manager) rearmAfterFailure(expiresAt time.Time) {
	if !expiresAt.IsZero() && time.Until(expiresAt) > RefreshMargin {
		m.scheduler.ScheduleAt(expiresAt)
		return
	}
	m.scheduler.arm(refreshRetryInterval)
}

// backgroundRefresh is the scheduler's timer callback. Failures are logged,
// never propagated; Refresh itself re-arms the scheduler.
func (m *Manager) backgroundRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundRefreshTimeout)
	defer cancel()

	if err := m.Refresh(ctx); err != nil {
		m.logger.Warn("Scheduled token refresh failed", "error", err.Error())
	}
}

// SignOut terminates the session. In-memory state is cleared first and
// unconditionally; clearing the persisted credential and notifying the
// provider are best effort. A persistence failure is returned to the
// caller but the user still observes SignedOut.
func (m *Manager) SignOut(ctx context.Context) error {
	m.mu.Lock()
	hadSession := m.tokens != nil || m.status != StatusSignedOut
	idTokenHint := ""
	if m.tokens != nil {
		idTokenHint = m.tokens.IDToken
	}
	m.status = StatusSignedOut
	m.user = nil
	m.tokens = nil
	m.nonce = ""
	m.epoch++
	m.broadcaster.Publish(m.snapshotLocked())
	m.mu.Unlock()

	m.scheduler.Stop()

	var persistErr error
	if err := m.store.Set(ctx, m.key, nil); err != nil {
		persistErr = err
		m.logger.Warn("Failed to clear persisted credential", "error", err.Error())
	}

	if hadSession {
		m.provider.EndSession(ctx, idTokenHint)
	}

	m.logger.Info("Signed out")
	return persistErr
}

// AccessToken returns the current access token. ok is false when no session
// is active.
func (m *Manager) AccessToken() (token string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tokens == nil || m.tokens.AccessToken == "" {
		return "", false
	}
	return m.tokens.AccessToken, true
}

// IDToken returns the current ID token. ok is false when no session is
// active or the provider issued none.
func (m *Manager) IDToken() (token string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tokens == nil || m.tokens.IDToken == "" {
		return "", false
	}
	return m.tokens.IDToken, true
}

// TokenSource returns an oauth2.TokenSource backed by the session, for
// wiring the session into HTTP clients. The source refreshes through the
// manager when the current token is expired.
func (m *Manager) TokenSource() oauth2.TokenSource {
	return &managerTokenSource{m: m}
}

type managerTokenSource struct {
	m *Manager
}

func (s *managerTokenSource) Token() (*oauth2.Token, error) {
	s.m.mu.Lock()
	tokens := s.m.tokens
	s.m.mu.Unlock()

	if tokens == nil {
		return nil, errors.New("not signed in")
	}

	if tokens.IsExpired() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundRefreshTimeout)
		defer cancel()
		if err := s.m.Refresh(ctx); err != nil {
			return nil, err
		}

		s.m.mu.Lock()
		tokens = s.m.tokens
		s.m.mu.Unlock()
		if tokens == nil {
			return nil, errors.New("not signed in")
		}
	}

	return tokens.ToOAuth2Token(), nil
}

// Close cancels the refresh scheduler and removes all subscriptions. The
// session state itself is left untouched; Close does not sign out.
func (m *Manager) Close() {
	m.scheduler.Stop()
	m.broadcaster.Close()
}
