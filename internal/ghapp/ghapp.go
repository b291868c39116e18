// Package ghapp implements runner.APIClient against the GitHub REST API.
//
// Two auth modes are supported, mirroring the config file: a GitHub App
// (a short-lived RS256 JWT is exchanged for an installation token per
// registration) or a personal access token, which is used as the app
// access token directly.
package ghapp

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v61/github"

	"github.com/terrpan/vmrunner/internal/runner"
)

// Config holds the client settings.
type Config struct {
	// APIURL is the REST API base for GitHub Enterprise Server
	// (e.g. https://ghe.example.com/api/v3/).  Empty means github.com.
	APIURL string

	// ClientID identifies the GitHub App.  It is the JWT issuer.
	ClientID string

	// InstallationID skips the installation lookup when non-zero.
	InstallationID int64

	// PrivateKey is the App's PEM encoded RSA private key.
	PrivateKey []byte

	// Token is a personal access token, used instead of App auth.
	Token string

	// RunnerOS and RunnerArch select the runner archive
	// (e.g. "linux"/"x64", "osx"/"arm64").
	RunnerOS   string
	RunnerArch string

	// Credentials supplies the organization or owner/repository the
	// calls are scoped to.
	Credentials runner.CredentialsSource

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the GitHub REST API on behalf of the registration
// flow.
type Client struct {
	cfg    Config
	key    *rsa.PrivateKey
	logger *slog.Logger
	now    func() time.Time
}

// Compile-time check.
var _ runner.APIClient = (*Client)(nil)

// New creates a Client.  The private key is parsed up front so a bad
// key fails at startup rather than on the first connection.
func New(cfg Config) (*Client, error) {
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("ghapp: credentials source is required")
	}
	if cfg.RunnerOS == "" {
		cfg.RunnerOS = "linux"
	}
	if cfg.RunnerArch == "" {
		cfg.RunnerArch = "x64"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Client{cfg: cfg, logger: cfg.Logger, now: time.Now}

	if cfg.Token == "" {
		if cfg.ClientID == "" {
			return nil, fmt.Errorf("ghapp: client ID is required for GitHub App auth")
		}
		key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("ghapp: parsing private key: %w", err)
		}
		c.key = key
	}

	return c, nil
}

// AppAccessToken returns an installation token for the App installed on
// the scope's organization or repository.  With a personal access token
// configured, that token is returned as-is.
func (c *Client) AppAccessToken(ctx context.Context, scope runner.Scope) (runner.AppAccessToken, error) {
	if c.cfg.Token != "" {
		return runner.AppAccessToken{Token: c.cfg.Token}, nil
	}

	appJWT, err := c.appJWT()
	if err != nil {
		return runner.AppAccessToken{}, err
	}
	gh, err := c.github(appJWT)
	if err != nil {
		return runner.AppAccessToken{}, err
	}

	installationID := c.cfg.InstallationID
	if installationID == 0 {
		installationID, err = c.findInstallation(ctx, gh, scope)
		if err != nil {
			return runner.AppAccessToken{}, err
		}
	}

	tok, _, err := gh.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return runner.AppAccessToken{}, fmt.Errorf("creating installation token for %d: %w", installationID, err)
	}

	c.logger.Debug("installation token created",
		slog.Int64("installationID", installationID),
		slog.Time("expiresAt", tok.GetExpiresAt().Time),
	)

	return runner.AppAccessToken{
		Token:     tok.GetToken(),
		ExpiresAt: tok.GetExpiresAt().Time,
	}, nil
}

// RunnerRegistrationToken creates a registration token for the scope.
func (c *Client) RunnerRegistrationToken(ctx context.Context, token runner.AppAccessToken, scope runner.Scope) (runner.RegistrationToken, error) {
	gh, err := c.github(token.Token)
	if err != nil {
		return runner.RegistrationToken{}, err
	}
	creds := c.cfg.Credentials.Credentials()

	var tok *github.RegistrationToken
	switch scope {
	case runner.ScopeOrganization:
		tok, _, err = gh.Actions.CreateOrganizationRegistrationToken(ctx, creds.OrganizationName)
	case runner.ScopeRepository:
		tok, _, err = gh.Actions.CreateRegistrationToken(ctx, creds.OwnerName, creds.RepositoryName)
	default:
		return runner.RegistrationToken{}, fmt.Errorf("unsupported runner scope %q", scope)
	}
	if err != nil {
		return runner.RegistrationToken{}, fmt.Errorf("creating runner registration token: %w", err)
	}

	return runner.RegistrationToken{
		Token:     tok.GetToken(),
		ExpiresAt: tok.GetExpiresAt().Time,
	}, nil
}

// RunnerDownloadURL picks the runner archive matching RunnerOS and
// RunnerArch from the scope's download list.
func (c *Client) RunnerDownloadURL(ctx context.Context, token runner.AppAccessToken, scope runner.Scope) (*url.URL, error) {
	gh, err := c.github(token.Token)
	if err != nil {
		return nil, err
	}
	creds := c.cfg.Credentials.Credentials()

	var downloads []*github.RunnerApplicationDownload
	switch scope {
	case runner.ScopeOrganization:
		downloads, _, err = gh.Actions.ListOrganizationRunnerApplicationDownloads(ctx, creds.OrganizationName)
	case runner.ScopeRepository:
		downloads, _, err = gh.Actions.ListRunnerApplicationDownloads(ctx, creds.OwnerName, creds.RepositoryName)
	default:
		return nil, fmt.Errorf("unsupported runner scope %q", scope)
	}
	if err != nil {
		return nil, fmt.Errorf("listing runner downloads: %w", err)
	}

	for _, d := range downloads {
		if strings.EqualFold(d.GetOS(), c.cfg.RunnerOS) && strings.EqualFold(d.GetArchitecture(), c.cfg.RunnerArch) {
			u, err := url.Parse(d.GetDownloadURL())
			if err != nil {
				return nil, fmt.Errorf("parsing runner download URL %q: %w", d.GetDownloadURL(), err)
			}
			return u, nil
		}
	}
	return nil, fmt.Errorf("no runner download for %s/%s", c.cfg.RunnerOS, c.cfg.RunnerArch)
}

func (c *Client) findInstallation(ctx context.Context, gh *github.Client, scope runner.Scope) (int64, error) {
	creds := c.cfg.Credentials.Credentials()

	var (
		inst *github.Installation
		err  error
	)
	switch scope {
	case runner.ScopeOrganization:
		inst, _, err = gh.Apps.FindOrganizationInstallation(ctx, creds.OrganizationName)
	case runner.ScopeRepository:
		inst, _, err = gh.Apps.FindRepositoryInstallation(ctx, creds.OwnerName, creds.RepositoryName)
	default:
		return 0, fmt.Errorf("unsupported runner scope %q", scope)
	}
	if err != nil {
		return 0, fmt.Errorf("finding app installation: %w", err)
	}
	return inst.GetID(), nil
}

// appJWT signs the App JWT.  iat is backdated to absorb clock drift;
// GitHub caps the lifetime at ten minutes.
func (c *Client) appJWT() (string, error) {
	now := c.now()
	claims := jwt.RegisteredClaims{
		Issuer:    c.cfg.ClientID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("signing app JWT: %w", err)
	}
	return signed, nil
}

func (c *Client) github(bearer string) (*github.Client, error) {
	gh := github.NewClient(c.cfg.HTTPClient).WithAuthToken(bearer)
	if c.cfg.APIURL == "" {
		return gh, nil
	}
	gh, err := gh.WithEnterpriseURLs(c.cfg.APIURL, c.cfg.APIURL)
	if err != nil {
		return nil, fmt.Errorf("configuring enterprise API URL %s: %w", c.cfg.APIURL, err)
	}
	return gh, nil
}
