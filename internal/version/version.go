package version

// Version is the engine version, overridden at build time via
// -ldflags "-X github.com/farebox-data/occupancy.report/internal/version.Version=...".
var Version = "dev"
