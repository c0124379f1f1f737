package observability

// Version is the proxy release identifier stamped into traces and the CLI.
// Overridden at build time via -ldflags "-X ...observability.Version=v1.2.3".
var Version = "dev"
