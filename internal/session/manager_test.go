package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"authkit/internal/credstore"
	"authkit/internal/oidc"
)

// fakeProvider implements oidc.Provider for manager tests.
type fakeProvider struct {
	mu sync.Mutex

	claims      oidc.Claims
	exchangeErr error
	refreshErr  error
	userInfoErr error

	// refreshDelay simulates a slow refresh-grant round trip.
	refreshDelay time.Duration

	exchangeCalls   int
	refreshCalls    int
	userInfoCalls   int
	endSessionCalls int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		claims: oidc.Claims{
			"sub":   "user-1",
			"email": "user@example.com",
			"name":  "User One",
		},
	}
}

func (p *fakeProvider) Discover(ctx context.Context) (*oidc.DiscoveryDocument, error) {
	return &oidc.DiscoveryDocument{
		Issuer:                "https://idp.example.com",
		AuthorizationEndpoint: "https://idp.example.com/authorize",
		TokenEndpoint:         "https://idp.example.com/token",
		UserinfoEndpoint:      "https://idp.example.com/userinfo",
	}, nil
}

func (p *fakeProvider) AuthorizationURL(ctx context.Context, state string) (string, error) {
	return "https://idp.example.com/authorize?state=" + state, nil
}

func (p *fakeProvider) ExchangeCode(ctx context.Context, code string) (*oidc.TokenSet, error) {
	p.mu.Lock()
	p.exchangeCalls++
	err := p.exchangeErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &oidc.TokenSet{
		AccessToken:  "at-" + code,
		RefreshToken: "rt-1",
		TokenType:    "Bearer",
		ExpiresIn:    3600,
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

func (p *fakeProvider) ExchangeRefreshToken(ctx context.Context, prev *oidc.TokenSet) (*oidc.TokenSet, error) {
	p.mu.Lock()
	p.refreshCalls++
	err := p.refreshErr
	delay := p.refreshDelay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &oidc.TokenSet{
		AccessToken:  "at-refreshed",
		RefreshToken: prev.RefreshToken,
		IDToken:      prev.IDToken,
		TokenType:    "Bearer",
		ExpiresIn:    3600,
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

func (p *fakeProvider) UserInfo(ctx context.Context, accessToken string) (oidc.Claims, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userInfoCalls++
	if p.userInfoErr != nil {
		return nil, p.userInfoErr
	}
	return p.claims, nil
}

func (p *fakeProvider) EndSession(ctx context.Context, idTokenHint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endSessionCalls++
}

func (p *fakeProvider) counts() (exchange, refresh, userInfo, endSession int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exchangeCalls, p.refreshCalls, p.userInfoCalls, p.endSessionCalls
}

func testTokens(expiresIn time.Duration) *oidc.TokenSet {
	return &oidc.TokenSet{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		TokenType:    "Bearer",
		ExpiresIn:    int(expiresIn.Seconds()),
		ExpiresAt:    time.Now().Add(expiresIn),
	}
}

// signIn seeds a manager into the SignedIn state.
func signIn(t *testing.T, m *Manager, expiresIn time.Duration) {
	t.Helper()
	if err := m.CompleteLoginWithTokens(context.Background(), testTokens(expiresIn)); err != nil {
		t.Fatalf("CompleteLoginWithTokens failed: %v", err)
	}
}

func TestManager_LoginFlow(t *testing.T) {
	p := newFakeProvider()
	store := credstore.NewMemoryStore()
	m := NewManager(p, store)
	defer m.Close()

	authURL, err := m.CreateLoginRequest(context.Background())
	if err != nil {
		t.Fatalf("CreateLoginRequest failed: %v", err)
	}
	if authURL == "" {
		t.Fatal("expected authorization URL")
	}
	if m.Status().Status != StatusAuthenticating {
		t.Errorf("expected Authenticating, got %v", m.Status().Status)
	}

	nonce := m.Nonce()
	if nonce == "" {
		t.Fatal("expected a pending nonce")
	}

	if err := m.CompleteLogin(context.Background(), "code-1", nonce); err != nil {
		t.Fatalf("CompleteLogin failed: %v", err)
	}

	snap := m.Status()
	if snap.Status != StatusSignedIn {
		t.Fatalf("expected SignedIn, got %v", snap.Status)
	}
	if snap.User == nil || snap.User.Subject != "user-1" {
		t.Errorf("expected user profile, got %+v", snap.User)
	}

	token, ok := m.AccessToken()
	if !ok || token != "at-code-1" {
		t.Errorf("expected access token from exchange, got %q", token)
	}

	// The credential must be persisted.
	data, err := store.Get(context.Background(), DefaultCredentialKey)
	if err != nil || data == nil {
		t.Fatalf("expected persisted credential, got %v, %v", data, err)
	}
	var payload credentialPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("persisted payload unreadable: %v", err)
	}
	if payload.Tokens.AccessToken != "at-code-1" || payload.UserInfo.Subject != "user-1" {
		t.Errorf("unexpected persisted payload: %+v", payload)
	}
}

func TestManager_CompleteLoginRejectsWrongState(t *testing.T) {
	p := newFakeProvider()
	m := NewManager(p, credstore.NewMemoryStore())
	defer m.Close()

	if _, err := m.CreateLoginRequest(context.Background()); err != nil {
		t.Fatalf("CreateLoginRequest failed: %v", err)
	}

	if err := m.CompleteLogin(context.Background(), "code-1", "forged-state"); err == nil {
		t.Fatal("expected state mismatch to fail")
	}
	if exchange, _, _, _ := p.counts(); exchange != 0 {
		t.Errorf("expected no code exchange after state mismatch, got %d", exchange)
	}
}

func TestManager_FailedLoginReturnsToSignedOut(t *testing.T) {
	p := newFakeProvider()
	p.exchangeErr = errors.New("provider down")
	store := credstore.NewMemoryStore()
	m := NewManager(p, store)
	defer m.Close()

	if _, err := m.CreateLoginRequest(context.Background()); err != nil {
		t.Fatalf("CreateLoginRequest failed: %v", err)
	}
	if err := m.CompleteLogin(context.Background(), "code-1", m.Nonce()); err == nil {
		t.Fatal("expected exchange failure to propagate")
	}

	if m.Status().Status != StatusSignedOut {
		t.Errorf("expected SignedOut after failed login, got %v", m.Status().Status)
	}
	data, _ := store.Get(context.Background(), DefaultCredentialKey)
	if data != nil {
		t.Error("expected no persisted state after failed login")
	}
}

func TestManager_CreateLoginRequestIdempotentWhenSignedIn(t *testing.T) {
	p := newFakeProvider()
	m := NewManager(p, credstore.NewMemoryStore())
	defer m.Close()

	signIn(t, m, time.Hour)
	before := m.Status()

	c := &collector{}
	m.Subscribe(c.sink)
	c.waitFor(t, 1)

	authURL, err := m.CreateLoginRequest(context.Background())
	if err != nil {
		t.Fatalf("CreateLoginRequest failed: %v", err)
	}
	if authURL != "" {
		t.Errorf("expected no new login flow, got URL %q", authURL)
	}

	snaps := c.waitFor(t, 2)
	if snaps[1].Status != before.Status || snaps[1].User.Subject != before.User.Subject {
		t.Errorf("expected republished snapshot identical to %+v, got %+v", before, snaps[1])
	}
	if m.Status().Status != StatusSignedIn {
		t.Errorf("session mutated by idempotent call: %v", m.Status().Status)
	}
}

func TestManager_ManualRefreshKeepsSessionOnFailure(t *testing.T) {
	p := newFakeProvider()
	store := credstore.NewMemoryStore()
	m := NewManager(p, store)
	defer m.Close()

	signIn(t, m, time.Hour)

	p.mu.Lock()
	p.refreshErr = errors.New("transient network failure")
	p.mu.Unlock()

	if err := m.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh failure to propagate")
	}

	snap := m.Status()
	if snap.Status != StatusSignedIn {
		t.Errorf("expected last-known-good SignedIn, got %v", snap.Status)
	}
	if token, ok := m.AccessToken(); !ok || token != "at-1" {
		t.Errorf("expected original token retained, got %q", token)
	}
}

func TestManager_RefreshReplacesTokensAndPersists(t *testing.T) {
	p := newFakeProvider()
	store := credstore.NewMemoryStore()
	m := NewManager(p, store)
	defer m.Close()

	signIn(t, m, time.Hour)

	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	if token, ok := m.AccessToken(); !ok || token != "at-refreshed" {
		t.Errorf("expected refreshed token, got %q", token)
	}

	data, _ := store.Get(context.Background(), DefaultCredentialKey)
	var payload credentialPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("persisted payload unreadable: %v", err)
	}
	if payload.Tokens.AccessToken != "at-refreshed" {
		t.Errorf("expected refreshed token persisted, got %q", payload.Tokens.AccessToken)
	}
}

func TestManager_SignOutWinsOverInflightRefresh(t *testing.T) {
	p := newFakeProvider()
	p.refreshDelay = 100 * time.Millisecond
	store := credstore.NewMemoryStore()
	m := NewManager(p, store)
	defer m.Close()

	signIn(t, m, time.Hour)

	c := &collector{}
	m.Subscribe(c.sink)
	c.waitFor(t, 1)

	refreshDone := make(chan error, 1)
	go func() { refreshDone <- m.Refresh(context.Background()) }()

	// Let the refresh enter its network call, then sign out.
	time.Sleep(20 * time.Millisecond)
	if err := m.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut failed: %v", err)
	}
	<-refreshDone

	if m.Status().Status != StatusSignedOut {
		t.Fatalf("expected SignedOut, got %v", m.Status().Status)
	}
	if _, ok := m.AccessToken(); ok {
		t.Error("expected no access token after sign-out")
	}

	// No subscriber may observe a signed-in session after the sign-out
	// snapshot.
	time.Sleep(200 * time.Millisecond)
	snaps := c.snapshots()
	sawSignedOut := false
	for _, s := range snaps {
		if s.Status == StatusSignedOut {
			sawSignedOut = true
		} else if sawSignedOut {
			t.Fatalf("observed %v after SignedOut: %v", s.Status, snaps)
		}
	}
	if !sawSignedOut {
		t.Fatal("subscriber never observed SignedOut")
	}

	data, _ := store.Get(context.Background(), DefaultCredentialKey)
	if data != nil {
		t.Error("expected persisted credential cleared after sign-out")
	}
}

func TestManager_SignOutDuringRefreshPersistLeavesNoCredential(t *testing.T) {
	p := newFakeProvider()
	store := newGatedStore(credstore.NewMemoryStore())
	m := NewManager(p, store)
	defer m.Close()

	signIn(t, m, time.Hour)
	store.arm()

	refreshDone := make(chan error, 1)
	go func() { refreshDone <- m.Refresh(context.Background()) }()

	// Wait until the refresh is blocked writing the new credential, then
	// sign out while that write is still pending.
	select {
	case <-store.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("refresh never reached the credential write")
	}
	if err := m.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut failed: %v", err)
	}

	close(store.release)
	if err := <-refreshDone; err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	if m.Status().Status != StatusSignedOut {
		t.Fatalf("expected SignedOut, got %v", m.Status().Status)
	}
	if m.scheduler.Armed() {
		t.Error("expected scheduler unarmed after sign-out")
	}
	data, _ := store.Get(context.Background(), DefaultCredentialKey)
	if data != nil {
		t.Errorf("expected no persisted credential after sign-out, got %s", data)
	}
}

func TestManager_SignOutDuringRestorePersistLeavesNoCredential(t *testing.T) {
	p := newFakeProvider()
	store := newGatedStore(credstore.NewMemoryStore())
	seedCredential(t, store, &oidc.TokenSet{
		AccessToken:  "at-stale",
		RefreshToken: "rt-stored",
		ExpiresIn:    3600,
	}, time.Now().Add(-2*time.Hour))

	m := NewManager(p, store)
	defer m.Close()

	store.arm()

	restoreDone := make(chan struct{})
	go func() {
		m.Restore(context.Background())
		close(restoreDone)
	}()

	select {
	case <-store.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("restore never reached the credential write")
	}
	if err := m.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut failed: %v", err)
	}

	close(store.release)
	<-restoreDone

	if m.Status().Status != StatusSignedOut {
		t.Fatalf("expected SignedOut, got %v", m.Status().Status)
	}
	if m.scheduler.Armed() {
		t.Error("expected scheduler unarmed after sign-out")
	}
	data, _ := store.Get(context.Background(), DefaultCredentialKey)
	if data != nil {
		t.Errorf("expected no persisted credential after sign-out, got %s", data)
	}
}

func TestManager_SignOutClearsMemoryDespitePersistFailure(t *testing.T) {
	p := newFakeProvider()
	store := &failingStore{inner: credstore.NewMemoryStore()}
	m := NewManager(p, store)
	defer m.Close()

	signIn(t, m, time.Hour)

	store.failSet = true
	if err := m.SignOut(context.Background()); err == nil {
		t.Fatal("expected persistence failure to be reported")
	}

	if m.Status().Status != StatusSignedOut {
		t.Errorf("expected SignedOut regardless of persist failure, got %v", m.Status().Status)
	}
	if _, ok := m.AccessToken(); ok {
		t.Error("expected in-memory tokens cleared")
	}
}

func TestManager_SignOutNotifiesProvider(t *testing.T) {
	p := newFakeProvider()
	m := NewManager(p, credstore.NewMemoryStore())
	defer m.Close()

	signIn(t, m, time.Hour)
	if err := m.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut failed: %v", err)
	}

	if _, _, _, endSession := p.counts(); endSession != 1 {
		t.Errorf("expected one end-session notification, got %d", endSession)
	}
}

func TestManager_Restore(t *testing.T) {
	t.Run("no persisted credential stays signed out silently", func(t *testing.T) {
		p := newFakeProvider()
		m := NewManager(p, credstore.NewMemoryStore())
		defer m.Close()

		c := &collector{}
		m.Subscribe(c.sink)
		c.waitFor(t, 1)

		m.Restore(context.Background())

		if m.Status().Status != StatusSignedOut {
			t.Errorf("expected SignedOut, got %v", m.Status().Status)
		}
		time.Sleep(50 * time.Millisecond)
		snaps := c.snapshots()
		if len(snaps) != 1 || snaps[0].Status != StatusSignedOut {
			t.Errorf("expected only the initial SignedOut snapshot, got %v", snaps)
		}
	})

	t.Run("valid credential restores and arms the scheduler", func(t *testing.T) {
		p := newFakeProvider()
		store := credstore.NewMemoryStore()
		seedCredential(t, store, &oidc.TokenSet{
			AccessToken:  "at-stored",
			RefreshToken: "rt-stored",
			ExpiresIn:    3600,
		}, time.Now().Add(-time.Minute))

		m := NewManager(p, store)
		defer m.Close()

		m.Restore(context.Background())

		snap := m.Status()
		if snap.Status != StatusSignedIn {
			t.Fatalf("expected SignedIn, got %v", snap.Status)
		}
		if snap.User == nil || snap.User.Subject != "user-1" {
			t.Errorf("expected restored profile, got %+v", snap.User)
		}
		if token, ok := m.AccessToken(); !ok || token != "at-stored" {
			t.Errorf("expected stored token, got %q", token)
		}
		if !m.scheduler.Armed() {
			t.Error("expected refresh scheduler armed after restore")
		}
		if _, refresh, _, _ := p.counts(); refresh != 0 {
			t.Errorf("expected no refresh for a fresh credential, got %d", refresh)
		}
	})

	t.Run("expired credential refreshes before reporting signed in", func(t *testing.T) {
		p := newFakeProvider()
		store := credstore.NewMemoryStore()
		seedCredential(t, store, &oidc.TokenSet{
			AccessToken:  "at-stale",
			RefreshToken: "rt-stored",
			ExpiresIn:    3600,
		}, time.Now().Add(-2*time.Hour))

		m := NewManager(p, store)
		defer m.Close()

		m.Restore(context.Background())

		if m.Status().Status != StatusSignedIn {
			t.Fatalf("expected SignedIn after eager refresh, got %v", m.Status().Status)
		}
		if token, ok := m.AccessToken(); !ok || token != "at-refreshed" {
			t.Errorf("expected refreshed token, got %q", token)
		}
		if _, refresh, _, _ := p.counts(); refresh != 1 {
			t.Errorf("expected one refresh, got %d", refresh)
		}
	})

	t.Run("failed startup refresh clears the credential", func(t *testing.T) {
		p := newFakeProvider()
		p.refreshErr = errors.New("refresh token revoked")
		store := credstore.NewMemoryStore()
		seedCredential(t, store, &oidc.TokenSet{
			AccessToken:  "at-stale",
			RefreshToken: "rt-revoked",
			ExpiresIn:    3600,
		}, time.Now().Add(-2*time.Hour))

		m := NewManager(p, store)
		defer m.Close()

		m.Restore(context.Background())

		if m.Status().Status != StatusSignedOut {
			t.Errorf("expected SignedOut, got %v", m.Status().Status)
		}
		data, _ := store.Get(context.Background(), DefaultCredentialKey)
		if data != nil {
			t.Error("expected stale credential removed")
		}
	})

	t.Run("unreadable credential is discarded", func(t *testing.T) {
		p := newFakeProvider()
		store := credstore.NewMemoryStore()
		if err := store.Set(context.Background(), DefaultCredentialKey, []byte("{corrupt")); err != nil {
			t.Fatalf("seed failed: %v", err)
		}

		m := NewManager(p, store)
		defer m.Close()

		m.Restore(context.Background())

		if m.Status().Status != StatusSignedOut {
			t.Errorf("expected SignedOut, got %v", m.Status().Status)
		}
		data, _ := store.Get(context.Background(), DefaultCredentialKey)
		if data != nil {
			t.Error("expected corrupt credential removed")
		}
	})
}

func TestManager_ScheduledRefreshFires(t *testing.T) {
	p := newFakeProvider()
	m := NewManager(p, credstore.NewMemoryStore())
	defer m.Close()

	// An expiry inside the margin arms an immediate refresh.
	signIn(t, m, time.Minute)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, refresh, _, _ := p.counts(); refresh >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, refresh, _, _ := p.counts(); refresh == 0 {
		t.Fatal("expected scheduled refresh to fire")
	}

	// The session ends up signed in with the refreshed token.
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if token, ok := m.AccessToken(); ok && token == "at-refreshed" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected refreshed token to be applied")
}

func TestManager_TokenSource(t *testing.T) {
	p := newFakeProvider()
	m := NewManager(p, credstore.NewMemoryStore())
	defer m.Close()

	if _, err := m.TokenSource().Token(); err == nil {
		t.Error("expected error when signed out")
	}

	signIn(t, m, time.Hour)

	token, err := m.TokenSource().Token()
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if token.AccessToken != "at-1" {
		t.Errorf("expected current access token, got %q", token.AccessToken)
	}
}

// seedCredential writes a persisted payload as if a previous process stored
// it at storedAt.
func seedCredential(t *testing.T, store credstore.Store, tokens *oidc.TokenSet, storedAt time.Time) {
	t.Helper()

	payload := credentialPayload{
		Tokens: tokens,
		UserInfo: &UserProfile{
			Subject: "user-1",
			Email:   "user@example.com",
		},
		Timestamp: storedAt.UnixMilli(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := store.Set(context.Background(), DefaultCredentialKey, data); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

// gatedStore wraps a store and, once armed, blocks credential writes until
// release is closed. Deletes pass through so a sign-out can proceed.
type gatedStore struct {
	inner   credstore.Store
	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func newGatedStore(inner credstore.Store) *gatedStore {
	return &gatedStore{
		inner:   inner,
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (s *gatedStore) arm() {
	s.mu.Lock()
	s.armed = true
	s.mu.Unlock()
}

func (s *gatedStore) Get(ctx context.Context, key string) ([]byte, error) {
	return s.inner.Get(ctx, key)
}

func (s *gatedStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	blocked := s.armed && value != nil
	s.mu.Unlock()
	if blocked {
		select {
		case s.entered <- struct{}{}:
		default:
		}
		<-s.release
	}
	return s.inner.Set(ctx, key, value)
}

// failingStore wraps a store and fails Set on demand.
type failingStore struct {
	inner   credstore.Store
	failSet bool
}

func (s *failingStore) Get(ctx context.Context, key string) ([]byte, error) {
	return s.inner.Get(ctx, key)
}

func (s *failingStore) Set(ctx context.Context, key string, value []byte) error {
	if s.failSet {
		return &credstore.PersistenceError{Op: "set", Key: key, Err: errors.New("disk full")}
	}
	return s.inner.Set(ctx, key, value)
}
