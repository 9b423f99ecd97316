// Package security enforces filesystem boundaries: strict path validation for
// anything client-supplied and an approval-backed guard on file mutations.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ValidatePath checks a client-supplied path against a root directory. The
// raw string is rejected if it contains traversal or home markers anywhere,
// before any resolution. The path is then made absolute (relative paths join
// onto root), symlinks are resolved, and the result must be the root itself or
// a descendant of it. Returns the resolved absolute path.
func ValidatePath(raw, root string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("empty path")
	}
	if strings.Contains(raw, "..") {
		return "", fmt.Errorf("path %q contains traversal sequence", raw)
	}
	if strings.Contains(raw, "~") {
		return "", fmt.Errorf("path %q contains home marker", raw)
	}

	abs := raw
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	abs = filepath.Clean(abs)

	resolved, err := resolveSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", raw, err)
	}
	rootResolved, err := resolveSymlinks(filepath.Clean(root))
	if err != nil {
		return "", fmt.Errorf("resolve root %q: %w", root, err)
	}
	if !isWithin(resolved, rootResolved) {
		return "", fmt.Errorf("path %q escapes %q", raw, root)
	}
	return resolved, nil
}

// ValidateSessionCwd confines a session working directory to the user home or
// a recognized temp root. An empty cwd defaults to the home directory. A
// leading "~/" expands to home; any other "~" or ".." in the raw string is
// rejected. Returns the resolved absolute path.
func ValidateSessionCwd(cwd string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	if strings.TrimSpace(cwd) == "" {
		return home, nil
	}
	if strings.HasPrefix(cwd, "~/") {
		cwd = filepath.Join(home, cwd[2:])
	}
	if strings.Contains(cwd, "..") || strings.Contains(cwd, "~") {
		return "", fmt.Errorf("cwd %q contains traversal or home marker", cwd)
	}
	if !filepath.IsAbs(cwd) {
		return "", fmt.Errorf("cwd %q must be absolute", cwd)
	}

	resolved, err := resolveSymlinks(filepath.Clean(cwd))
	if err != nil {
		return "", fmt.Errorf("resolve cwd %q: %w", cwd, err)
	}
	for _, root := range sessionCwdRoots(home) {
		rootResolved, err := resolveSymlinks(root)
		if err != nil {
			continue
		}
		if isWithin(resolved, rootResolved) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("cwd %q is outside the allowed roots", cwd)
}

func sessionCwdRoots(home string) []string {
	roots := []string{home, os.TempDir(), "/tmp", "/var/tmp"}
	seen := make(map[string]struct{}, len(roots))
	out := roots[:0]
	for _, r := range roots {
		r = filepath.Clean(r)
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// resolveSymlinks resolves a path that may not fully exist yet: it resolves
// the deepest existing ancestor and rejoins the remainder.
func resolveSymlinks(path string) (string, error) {
	p := path
	var suffix []string
	for {
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			for i := len(suffix) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, suffix[i])
			}
			return resolved, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", err
		}
		suffix = append(suffix, filepath.Base(p))
		p = parent
	}
}

func isWithin(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
