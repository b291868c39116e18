package runner

import (
	"context"
	"log/slog"
	"net/url"
	"time"
)

const redacted = "REDACTED"

// AppAccessToken authenticates this process against the platform for a
// single scope.  It is requested per registration and never persisted.
type AppAccessToken struct {
	Token     string
	ExpiresAt time.Time
}

// String hides the token value.
func (t AppAccessToken) String() string { return redacted }

// LogValue keeps the token out of structured logs.
func (t AppAccessToken) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("token", redacted),
		slog.Time("expiresAt", t.ExpiresAt),
	)
}

// RegistrationToken is the single-use credential config.sh consumes.
type RegistrationToken struct {
	Token     string
	ExpiresAt time.Time
}

// String hides the token value.
func (t RegistrationToken) String() string { return redacted }

// LogValue keeps the token out of structured logs.
func (t RegistrationToken) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("token", redacted),
		slog.Time("expiresAt", t.ExpiresAt),
	)
}

// APIClient is the subset of the platform API the registration flow
// needs.  Retries, if any, are the implementation's business.
type APIClient interface {
	// AppAccessToken authenticates the orchestration for scope.
	AppAccessToken(ctx context.Context, scope Scope) (AppAccessToken, error)

	// RunnerRegistrationToken exchanges an app token for a runner
	// registration token.
	RunnerRegistrationToken(ctx context.Context, token AppAccessToken, scope Scope) (RegistrationToken, error)

	// RunnerDownloadURL returns the location of the runner archive.
	RunnerDownloadURL(ctx context.Context, token AppAccessToken, scope Scope) (*url.URL, error)
}

// Tokens is everything AcquireTokens obtains.
type Tokens struct {
	RegistrationToken RegistrationToken
	DownloadURL       *url.URL
}

// AcquireTokens runs the three API calls in order.  The first failure
// is returned unchanged and no later call is made.
func AcquireTokens(ctx context.Context, client APIClient, scope Scope) (Tokens, error) {
	appToken, err := client.AppAccessToken(ctx, scope)
	if err != nil {
		return Tokens{}, err
	}
	regToken, err := client.RunnerRegistrationToken(ctx, appToken, scope)
	if err != nil {
		return Tokens{}, err
	}
	downloadURL, err := client.RunnerDownloadURL(ctx, appToken, scope)
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{
		RegistrationToken: regToken,
		DownloadURL:       downloadURL,
	}, nil
}
