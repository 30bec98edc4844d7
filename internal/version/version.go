// Package version carries build metadata injected with -ldflags.
package version

// Version is overridden at build time:
//
//	go build -ldflags "-X apipool-go/internal/version.Version=v1.2.3"
var Version = "dev"
