package version

// Version is the daemon version, overridden at build time via
// -ldflags "-X github.com/dawsonlp/localport/internal/version.Version=...".
var Version = "dev"
