// Package sandbox isolates every interaction with ephemeral build environments behind a small
// driver interface. Callers never see provider-specific identifiers or transport details.
package sandbox

import (
	"context"
	"strings"
	"time"
)

// Ref is an opaque handle to one running sandbox. Only this package interprets it.
type Ref string

// Spec describes the sandbox to create.
type Spec struct {
	// Template names the base environment, e.g. "nextjs".
	Template string
	// Timeout is the provider-side lifetime of the sandbox.
	Timeout time.Duration
	// Env is injected into every command run in the sandbox.
	Env map[string]string
}

// CommandResult carries the outcome of a command executed inside a sandbox. A non-zero exit
// code is not an error at this layer; callers decide what failure means.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// FileEntry is one workspace file surfaced by List.
type FileEntry struct {
	// Path is relative to the listing root, using forward slashes.
	Path string
	Size int64
}

// Driver runs sandboxes on some backing provider.
type Driver interface {
	// Create provisions a new sandbox and returns its handle.
	Create(ctx context.Context, spec Spec) (Ref, error)
	// Exec runs a command in the sandbox working directory cwd.
	Exec(ctx context.Context, ref Ref, cwd string, cmd string) (CommandResult, error)
	// WriteFile writes content to path, creating parent directories as needed.
	WriteFile(ctx context.Context, ref Ref, path string, content []byte) error
	// ReadFile reads the file at path.
	ReadFile(ctx context.Context, ref Ref, path string) ([]byte, error)
	// List walks the tree under root and returns the files worth snapshotting, skipping
	// dependency and build-output directories.
	List(ctx context.Context, ref Ref, root string) ([]FileEntry, error)
	// PreviewURL returns the externally reachable URL for a port exposed by the sandbox.
	PreviewURL(ctx context.Context, ref Ref, port int) (string, error)
	// Destroy tears the sandbox down. Destroying a sandbox that is already gone succeeds.
	Destroy(ctx context.Context, ref Ref) error
}

// skipDirs are directory names excluded from workspace listings. They are either regenerated
// by the toolchain or too large to be worth persisting.
var skipDirs = map[string]bool{
	"node_modules": true,
	".next":        true,
	".git":         true,
	"dist":         true,
	"build":        true,
	".cache":       true,
}

// Skippable reports whether any path segment names an excluded directory.
func Skippable(relPath string) bool {
	for _, seg := range strings.Split(relPath, "/") {
		if skipDirs[seg] {
			return true
		}
	}
	return false
}
