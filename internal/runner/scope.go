package runner

import (
	"fmt"
	"net/url"
	"strings"
)

// Scope selects what a runner registers against.
type Scope string

const (
	ScopeOrganization Scope = "organization"
	ScopeRepository   Scope = "repository"
)

// Valid reports whether s is one of the known scopes.
func (s Scope) Valid() bool {
	return s == ScopeOrganization || s == ScopeRepository
}

// UnmarshalText accepts the scope names case-insensitively so YAML and
// flag values such as "Organization" decode cleanly.
func (s *Scope) UnmarshalText(text []byte) error {
	v := Scope(strings.ToLower(strings.TrimSpace(string(text))))
	if v != "" && !v.Valid() {
		return fmt.Errorf("unknown runner scope %q (supported: organization, repository)", string(text))
	}
	*s = v
	return nil
}

// Credentials is a read-only snapshot of the identifiers needed to
// register a runner.  Empty fields are absent.
type Credentials struct {
	OrganizationName string
	OwnerName        string
	RepositoryName   string
}

// CredentialsSource supplies the current credential snapshot.  It is
// queried once per registration attempt.
type CredentialsSource interface {
	Credentials() Credentials
}

// CredentialsFunc adapts an ordinary function to CredentialsSource.
type CredentialsFunc func() Credentials

// Credentials calls f.
func (f CredentialsFunc) Credentials() Credentials { return f() }

// DefaultBaseURL is the platform address registration URLs are built on.
const DefaultBaseURL = "https://github.com"

// RegistrationURL returns the URL a runner registers against for scope.
//
// Organization scope yields base/<org> and requires an organization
// name.  Repository scope yields base/<owner>/<repo> and requires both
// identifiers.  Every identifier must be usable verbatim as one URL path
// segment.
func RegistrationURL(base *url.URL, scope Scope, creds Credentials) (*url.URL, error) {
	switch scope {
	case ScopeOrganization:
		if creds.OrganizationName == "" {
			return nil, ErrOrganizationNameUnavailable
		}
		return joinSegments(base, creds.OrganizationName)
	case ScopeRepository:
		if creds.OwnerName == "" || creds.RepositoryName == "" {
			return nil, ErrInvalidRunnerURL
		}
		return joinSegments(base, creds.OwnerName, creds.RepositoryName)
	default:
		return nil, ErrInvalidRunnerURL
	}
}

func joinSegments(base *url.URL, segments ...string) (*url.URL, error) {
	if base == nil || base.Scheme == "" || base.Host == "" {
		return nil, ErrInvalidRunnerURL
	}
	for _, seg := range segments {
		if !validSegment(seg) {
			return nil, ErrInvalidRunnerURL
		}
	}
	u := *base
	u.Path = strings.TrimSuffix(base.Path, "/") + "/" + strings.Join(segments, "/")
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return &u, nil
}

func validSegment(seg string) bool {
	if seg == "" || seg == "." || seg == ".." || strings.Contains(seg, "/") {
		return false
	}
	return url.PathEscape(seg) == seg
}
