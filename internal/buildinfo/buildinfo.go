// Package buildinfo holds version metadata stamped in at link time:
//
//	go build -ldflags "-X github.com/terrpan/vmrunner/internal/buildinfo.Version=v0.2.0 \
//	  -X github.com/terrpan/vmrunner/internal/buildinfo.Commit=$(git rev-parse --short HEAD) \
//	  -X github.com/terrpan/vmrunner/internal/buildinfo.BuildTime=$(date -u +%FT%TZ)"
package buildinfo

var (
	// Version is the release tag, or "dev" for local builds.
	Version = "dev"

	// Commit is the short git commit hash.
	Commit = "unknown"

	// BuildTime is the UTC build timestamp in RFC 3339 form.
	BuildTime = "unknown"
)

// String returns "<version> (<commit>, built <time>)".
func String() string {
	return Version + " (" + Commit + ", built " + BuildTime + ")"
}
