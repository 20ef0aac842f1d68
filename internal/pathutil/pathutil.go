// Package pathutil holds the path arithmetic shared by the policy guard, the
// executor and the read endpoint: jail containment, symlink resolution of
// paths that may not exist yet, and a few string heuristics for spotting
// filesystem paths inside program text.
package pathutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutside is returned when a path resolves outside its root.
var ErrOutside = errors.New("pathutil: path resolves outside root")

// ---------------------------------------------------------------------------
// Containment
// ---------------------------------------------------------------------------

// IsWithin reports whether path equals root or lies beneath it. Both
// arguments are cleaned; no symlinks are followed.
//
// Examples:
//   - /data, /data           : true
//   - /data, /data/x/y       : true
//   - /data, /database       : false
//   - /data, /data/../etc    : false
func IsWithin(root, path string) bool {
	root = filepath.Clean(root)
	path = filepath.Clean(path)
	if path == root {
		return true
	}
	// When root is "/", every absolute path is within it.
	if root == string(filepath.Separator) {
		return filepath.IsAbs(path)
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// Resolver maps a cleaned absolute path to its fully resolved form.
type Resolver func(path string) (string, error)

// ResolveExisting resolves symlinks along path even when its tail does not
// exist yet: the longest existing prefix is passed through
// filepath.EvalSymlinks and the missing components are re-attached. A
// dangling symlink in the existing prefix is resolved by reading its target,
// so a link that points outside a root is still seen as pointing outside.
func ResolveExisting(path string) (string, error) {
	if ContainsNullByte(path) {
		return "", fmt.Errorf("pathutil: path contains null byte")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("pathutil: cannot make %q absolute: %w", path, err)
	}

	missing := FindFirstNonExistent(abs)
	if missing == "" {
		resolved, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return "", fmt.Errorf("pathutil: cannot resolve symlinks: %w", err)
		}
		return resolved, nil
	}

	// A dangling link is reported as non-existent by os.Stat but still
	// exists as a directory entry.
	if target, err := os.Readlink(missing); err == nil {
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(missing), target)
		}
		rest, _ := filepath.Rel(missing, abs)
		return filepath.Clean(filepath.Join(target, rest)), nil
	}

	parent := filepath.Dir(missing)
	resolvedParent, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return "", fmt.Errorf("pathutil: cannot resolve symlinks: %w", err)
	}
	rest, err := filepath.Rel(parent, abs)
	if err != nil {
		return "", fmt.Errorf("pathutil: %w", err)
	}
	return filepath.Join(resolvedParent, rest), nil
}

// Contain interprets path relative to root (absolute paths are taken as-is),
// resolves it with resolve and checks that the result stays beneath the
// resolved root. It returns the resolved path. When the check fails the
// returned error wraps ErrOutside and the resolved path is still returned so
// callers can report it. A nil resolve means ResolveExisting.
func Contain(root, path string, resolve Resolver) (string, error) {
	if resolve == nil {
		resolve = ResolveExisting
	}
	if ContainsNullByte(path) {
		return "", fmt.Errorf("%w: %q contains a null byte", ErrOutside, StripNullBytes(path))
	}

	resolvedRoot, err := resolve(filepath.Clean(root))
	if err != nil {
		return "", fmt.Errorf("pathutil: cannot resolve root %q: %w", root, err)
	}

	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)

	// Lexical escape is decided before touching the filesystem so that
	// "../" tricks are rejected even when the target does not exist.
	if !IsWithin(filepath.Clean(root), candidate) && !IsWithin(resolvedRoot, candidate) {
		return candidate, fmt.Errorf("%w: %q", ErrOutside, path)
	}

	resolved, err := resolve(candidate)
	if err != nil {
		return candidate, fmt.Errorf("pathutil: cannot resolve %q: %w", path, err)
	}
	if !IsWithin(resolvedRoot, resolved) {
		return resolved, fmt.Errorf("%w: %q resolves to %q", ErrOutside, path, resolved)
	}
	return resolved, nil
}

// ---------------------------------------------------------------------------
// Glob Patterns
// ---------------------------------------------------------------------------

// IsGlobPattern returns true if the string contains glob metacharacters.
func IsGlobPattern(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// StaticPrefix returns the longest leading directory of pattern that contains
// no glob metacharacters. "/data/logs/*.log" yields "/data/logs"; a pattern
// without metacharacters is returned unchanged.
func StaticPrefix(pattern string) string {
	if !IsGlobPattern(pattern) {
		return pattern
	}
	prefix := pattern
	for IsGlobPattern(prefix) {
		next := filepath.Dir(prefix)
		if next == prefix {
			break
		}
		prefix = next
	}
	return prefix
}

// ---------------------------------------------------------------------------
// Path Heuristics
// ---------------------------------------------------------------------------

// pseudoDevices are absolute paths every program may touch without naming
// real storage.
var pseudoDevices = map[string]struct{}{
	"/dev/null":    {},
	"/dev/zero":    {},
	"/dev/stdin":   {},
	"/dev/stdout":  {},
	"/dev/stderr":  {},
	"/dev/random":  {},
	"/dev/urandom": {},
	"/dev/tty":     {},
}

// IsPseudoDevice reports whether p is one of the stream devices that do not
// refer to stored data (/dev/null, /dev/stdout, /dev/fd/N and friends).
func IsPseudoDevice(p string) bool {
	p = filepath.Clean(p)
	if _, ok := pseudoDevices[p]; ok {
		return true
	}
	return strings.HasPrefix(p, "/dev/fd/") || strings.HasPrefix(p, "/proc/self/fd/")
}

// LooksLikePath reports whether a literal string in program text should be
// treated as a filesystem path: it is absolute, home-relative, explicitly
// relative ("./", "../") or contains a ".." segment. Bare words such as
// "out.txt" are not considered paths; those are relative to the working
// directory and are covered by the runtime sandbox. Strings containing
// whitespace are treated as text.
func LooksLikePath(s string) bool {
	if s == "" || strings.ContainsAny(s, " \t\n\r") {
		return false
	}
	// Separators on their own ("/", "//") are not paths.
	if strings.Trim(s, "/") == "" {
		return false
	}
	if strings.Contains(s, "://") {
		return false
	}
	switch {
	case strings.HasPrefix(s, "/"),
		strings.HasPrefix(s, "~"),
		strings.HasPrefix(s, "./"),
		strings.HasPrefix(s, "../"),
		s == "..":
		return true
	}
	for _, seg := range strings.Split(filepath.ToSlash(s), "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Path Helpers
// ---------------------------------------------------------------------------

// FindFirstNonExistent returns the first component in a path that does not
// exist. Returns "" if the entire path exists.
func FindFirstNonExistent(path string) string {
	cleaned := filepath.Clean(path)

	// Collect ancestor chain from cleaned up to root/".".
	var chain []string
	cur := cleaned
	for {
		chain = append(chain, cur)
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}

	// Walk from the root (end of chain) towards the leaf (start of chain).
	for i := len(chain) - 1; i >= 0; i-- {
		if _, err := os.Stat(chain[i]); err != nil {
			return chain[i]
		}
	}
	return ""
}

// ContainsNullByte returns true if the string contains a null byte.
func ContainsNullByte(s string) bool {
	return strings.ContainsRune(s, '\x00')
}

// StripNullBytes removes all null bytes from a string.
func StripNullBytes(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}
