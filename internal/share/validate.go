package share

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// MaxPathsPerShare caps the path list of a single share.
	MaxPathsPerShare = 32
	// MaxSharesPerOwner caps active shares held by one owner.
	MaxSharesPerOwner = 100
)

var ErrValidation = errors.New("share validation failed")

// shared paths are slash-separated relative paths of plain segments
var pathPattern = regexp.MustCompile(`^[a-zA-Z0-9._ @+-]+(/[a-zA-Z0-9._ @+-]+)*/?$`)

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// validatePaths normalizes, checks and deduplicates a share's path list.
func validatePaths(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, validationErr("at least one path is required")
	}
	if len(paths) > MaxPathsPerShare {
		return nil, validationErr("too many paths: %d (max %d)", len(paths), MaxPathsPerShare)
	}

	seen := make(map[string]struct{}, len(paths))
	clean := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, validationErr("empty path")
		}
		if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
			return nil, validationErr("path must be relative: %q", p)
		}
		for _, seg := range strings.Split(strings.TrimSuffix(p, "/"), "/") {
			if seg == ".." || seg == "." {
				return nil, validationErr("path traversal not allowed: %q", p)
			}
		}
		if !pathPattern.MatchString(p) {
			return nil, validationErr("malformed path: %q", p)
		}

		key := strings.TrimSuffix(p, "/")
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		clean = append(clean, p)
	}
	return clean, nil
}

func validatePermissions(perms []string) error {
	if len(perms) == 0 {
		return validationErr("at least one permission is required")
	}
	for _, perm := range perms {
		switch Permission(perm) {
		case PermRead, PermWrite:
		default:
			return validationErr("unknown permission: %q", perm)
		}
	}
	return nil
}

// pathsOverlap reports whether any pair across the two lists is equal or
// prefix-nested, treating "a/b" and "a/b/" as the same subtree.
func pathsOverlap(a, b []string) bool {
	for _, pa := range a {
		for _, pb := range b {
			ka := strings.TrimSuffix(pa, "/")
			kb := strings.TrimSuffix(pb, "/")
			if ka == kb || strings.HasPrefix(ka, kb+"/") || strings.HasPrefix(kb, ka+"/") {
				return true
			}
		}
	}
	return false
}
