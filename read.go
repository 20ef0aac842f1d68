package taskjail

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zhangyunhao116/taskjail/internal/pathutil"
)

// ReadFile returns the content of path, which is taken relative to jailRoot
// unless absolute. It applies the Guard's containment rule: a path that
// resolves outside the jail, through ".." or a symlink, yields a
// *PathEscapeError. A missing file yields an error matching fs.ErrNotExist.
func ReadFile(jailRoot, path string) ([]byte, error) {
	resolved, err := resolveInJail(jailRoot, path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(resolved)
}

// resolveInJail returns the resolved form of path if it stays in the jail.
func resolveInJail(jailRoot, path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidRequest)
	}
	jail := filepath.Clean(jailRoot)
	if jailRoot == "" || !filepath.IsAbs(jail) {
		return "", fmt.Errorf("%w: jail root %q must be an absolute path", ErrInvalidRequest, jailRoot)
	}

	escape := &PathEscapeError{Path: path, Root: jail}
	if filepath.IsAbs(path) && pathutil.IsPseudoDevice(path) {
		return "", escape
	}
	in := &guardInput{jail: jail, resolve: pathutil.ResolveExisting}
	if v, bad := containPath(in, jail, path, false, 0); bad {
		if v.Kind == ViolationPathEscape {
			escape.Resolved = v.Resolved
			return "", escape
		}
		return "", fmt.Errorf("read %q: %s", path, v.Reason)
	}
	resolved, err := pathutil.Contain(jail, path, pathutil.ResolveExisting)
	if err != nil {
		escape.Resolved = resolved
		return "", escape
	}
	return resolved, nil
}
