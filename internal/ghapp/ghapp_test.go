package ghapp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/vmrunner/internal/runner"
)

// ---------------------------------------------------------------------------
// Fake GitHub API
// ---------------------------------------------------------------------------

type fakeGitHub struct {
	mu       sync.Mutex
	requests []string          // "METHOD path"
	auth     map[string]string // path -> Authorization header
}

func newFakeGitHub() *fakeGitHub {
	return &fakeGitHub{auth: make(map[string]string)}
}

func (f *fakeGitHub) record(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	f.auth[r.URL.Path] = r.Header.Get("Authorization")
}

func (f *fakeGitHub) getRequests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make([]string, len(f.requests))
	copy(result, f.requests)
	return result
}

func (f *fakeGitHub) authFor(path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auth[path]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeGitHub) handler() http.Handler {
	mux := http.NewServeMux()

	installation := func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		writeJSON(w, http.StatusOK, map[string]any{"id": 42})
	}
	mux.HandleFunc("GET /api/v3/orgs/acme/installation", installation)
	mux.HandleFunc("GET /api/v3/repos/acme/widgets/installation", installation)

	mux.HandleFunc("POST /api/v3/app/installations/42/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		writeJSON(w, http.StatusCreated, map[string]any{
			"token":      "ghs_installation",
			"expires_at": "2026-10-14T13:00:00Z",
		})
	})

	registration := func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		writeJSON(w, http.StatusCreated, map[string]any{
			"token":      "REGTOKEN",
			"expires_at": "2026-10-14T13:00:00Z",
		})
	}
	mux.HandleFunc("POST /api/v3/orgs/acme/actions/runners/registration-token", registration)
	mux.HandleFunc("POST /api/v3/repos/acme/widgets/actions/runners/registration-token", registration)

	downloads := func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		writeJSON(w, http.StatusOK, []map[string]any{
			{"os": "osx", "architecture": "arm64", "download_url": "https://example.com/osx-arm64.tar.gz", "filename": "osx-arm64.tar.gz"},
			{"os": "linux", "architecture": "x64", "download_url": "https://example.com/linux-x64.tar.gz", "filename": "linux-x64.tar.gz"},
		})
	}
	mux.HandleFunc("GET /api/v3/orgs/acme/actions/runners/downloads", downloads)
	mux.HandleFunc("GET /api/v3/repos/acme/widgets/actions/runners/downloads", downloads)

	return mux
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func generateKey(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return key, pemBytes
}

func orgCredentials() runner.CredentialsSource {
	return runner.CredentialsFunc(func() runner.Credentials {
		return runner.Credentials{OrganizationName: "acme"}
	})
}

func repoCredentials() runner.CredentialsSource {
	return runner.CredentialsFunc(func() runner.Credentials {
		return runner.Credentials{OwnerName: "acme", RepositoryName: "widgets"}
	})
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ClientSuite struct {
	suite.Suite
	ctx    context.Context
	fake   *fakeGitHub
	server *httptest.Server
	key    *rsa.PrivateKey
	pem    []byte
	logger *slog.Logger
}

func (s *ClientSuite) SetupTest() {
	s.ctx = context.Background()
	s.fake = newFakeGitHub()
	s.server = httptest.NewServer(s.fake.handler())
	s.key, s.pem = generateKey(s.T())
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *ClientSuite) TearDownTest() {
	s.server.Close()
}

func (s *ClientSuite) newAppClient(creds runner.CredentialsSource) *Client {
	c, err := New(Config{
		APIURL:      s.server.URL + "/",
		ClientID:    "Iv1.abc123",
		PrivateKey:  s.pem,
		Credentials: creds,
		HTTPClient:  s.server.Client(),
		Logger:      s.logger,
	})
	require.NoError(s.T(), err)
	return c
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}

func (s *ClientSuite) TestAppAccessToken_Organization() {
	c := s.newAppClient(orgCredentials())
	fixed := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	tok, err := c.AppAccessToken(s.ctx, runner.ScopeOrganization)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "ghs_installation", tok.Token)
	assert.Equal(s.T(), time.Date(2026, 10, 14, 13, 0, 0, 0, time.UTC), tok.ExpiresAt.UTC())

	assert.Equal(s.T(), []string{
		"GET /api/v3/orgs/acme/installation",
		"POST /api/v3/app/installations/42/access_tokens",
	}, s.fake.getRequests())

	// The installation lookup is authenticated with the App JWT.
	bearer := strings.TrimPrefix(s.fake.authFor("/api/v3/orgs/acme/installation"), "Bearer ")
	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(bearer, claims, func(*jwt.Token) (any, error) {
		return &s.key.PublicKey, nil
	}, jwt.WithTimeFunc(func() time.Time { return fixed }))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "Iv1.abc123", claims.Issuer)
}

func (s *ClientSuite) TestAppAccessToken_RepositoryWithFixedInstallation() {
	c, err := New(Config{
		APIURL:         s.server.URL + "/",
		ClientID:       "Iv1.abc123",
		InstallationID: 42,
		PrivateKey:     s.pem,
		Credentials:    repoCredentials(),
		HTTPClient:     s.server.Client(),
		Logger:         s.logger,
	})
	require.NoError(s.T(), err)

	tok, err := c.AppAccessToken(s.ctx, runner.ScopeRepository)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "ghs_installation", tok.Token)
	assert.Equal(s.T(), []string{"POST /api/v3/app/installations/42/access_tokens"}, s.fake.getRequests())
}

func (s *ClientSuite) TestRunnerRegistrationToken_Scopes() {
	tests := []struct {
		scope runner.Scope
		creds runner.CredentialsSource
		path  string
	}{
		{runner.ScopeOrganization, orgCredentials(), "/api/v3/orgs/acme/actions/runners/registration-token"},
		{runner.ScopeRepository, repoCredentials(), "/api/v3/repos/acme/widgets/actions/runners/registration-token"},
	}
	for _, tt := range tests {
		s.Run(string(tt.scope), func() {
			c := s.newAppClient(tt.creds)

			tok, err := c.RunnerRegistrationToken(s.ctx, runner.AppAccessToken{Token: "ghs_installation"}, tt.scope)
			require.NoError(s.T(), err)
			assert.Equal(s.T(), "REGTOKEN", tok.Token)
			assert.Equal(s.T(), "Bearer ghs_installation", s.fake.authFor(tt.path))
		})
	}
}

func (s *ClientSuite) TestRunnerDownloadURL_MatchesPlatform() {
	c := s.newAppClient(repoCredentials())

	u, err := c.RunnerDownloadURL(s.ctx, runner.AppAccessToken{Token: "ghs_installation"}, runner.ScopeRepository)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "https://example.com/linux-x64.tar.gz", u.String())
}

func (s *ClientSuite) TestRunnerDownloadURL_OtherPlatform() {
	c, err := New(Config{
		APIURL:      s.server.URL + "/",
		Token:       "ghp_pat",
		RunnerOS:    "OSX",
		RunnerArch:  "ARM64",
		Credentials: orgCredentials(),
		HTTPClient:  s.server.Client(),
		Logger:      s.logger,
	})
	require.NoError(s.T(), err)

	u, err := c.RunnerDownloadURL(s.ctx, runner.AppAccessToken{Token: "ghp_pat"}, runner.ScopeOrganization)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "https://example.com/osx-arm64.tar.gz", u.String())
}

func (s *ClientSuite) TestRunnerDownloadURL_NoMatch() {
	c, err := New(Config{
		APIURL:      s.server.URL + "/",
		Token:       "ghp_pat",
		RunnerOS:    "win",
		Credentials: orgCredentials(),
		HTTPClient:  s.server.Client(),
		Logger:      s.logger,
	})
	require.NoError(s.T(), err)

	_, err = c.RunnerDownloadURL(s.ctx, runner.AppAccessToken{Token: "ghp_pat"}, runner.ScopeOrganization)
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "win/x64")
}

func (s *ClientSuite) TestPersonalAccessToken_SkipsAppFlow() {
	c, err := New(Config{
		APIURL:      s.server.URL + "/",
		Token:       "ghp_pat",
		Credentials: orgCredentials(),
		HTTPClient:  s.server.Client(),
		Logger:      s.logger,
	})
	require.NoError(s.T(), err)

	tok, err := c.AppAccessToken(s.ctx, runner.ScopeOrganization)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "ghp_pat", tok.Token)
	assert.Empty(s.T(), s.fake.getRequests())
}

func (s *ClientSuite) TestAPIErrorIsReturned() {
	c := s.newAppClient(runner.CredentialsFunc(func() runner.Credentials {
		return runner.Credentials{OrganizationName: "unknown-org"}
	}))

	_, err := c.AppAccessToken(s.ctx, runner.ScopeOrganization)
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "finding app installation")
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Token: "ghp_pat"})
	assert.Error(t, err, "credentials source is required")

	_, err = New(Config{Credentials: orgCredentials(), PrivateKey: []byte("key")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client ID")

	_, err = New(Config{Credentials: orgCredentials(), ClientID: "Iv1.abc", PrivateKey: []byte("not a pem")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "private key")
}
