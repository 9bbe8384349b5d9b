package config

// Version is the audit core binary version.
// Set at build time via: -ldflags "-X github.com/thorbis/audit-core/internal/config.Version=<tag>"
// Defaults to "dev" when built without ldflags.
var Version = "dev"
