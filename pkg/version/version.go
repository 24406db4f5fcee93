// Package version holds the build version, set at link time.
package version

// Version is the current version of the zerobuild server.
var Version = "dev"
