package version

// Overridden at link time, e.g.
// -ldflags "-X github.com/outsoor/billing/internal/version.Commit=$(git rev-parse --short HEAD)".
var (
	Version = "v0.1.0"
	Commit  = "unknown"
	BuiltAt = "unknown"
)

// Info returns the version string reported by /healthz.
func Info() string {
	return Version
}

// FullInfo returns complete build information for the startup log line.
func FullInfo() string {
	return "version=" + Version + " commit=" + Commit + " built_at=" + BuiltAt
}

// UserAgent identifies outbound calls to payment providers.
func UserAgent() string {
	return "outsoor-billing/" + Version
}
