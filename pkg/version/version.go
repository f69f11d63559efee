// Package version carries build information injected at link time, e.g.
// go build -ldflags "-X negotiator/pkg/version.Version=v0.3.0".
package version

//nolint:gochecknoglobals // package-level vars for ldflags injection
var (
	Version = "dev"
	Commit  = "none"
)

// String renders the version and commit.
func String() string {
	return Version + " (" + Commit + ")"
}
