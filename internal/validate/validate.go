// Package validate holds the security/validation checks shared by the HTTP
// broker and the session-aware services: path containment, port ranges,
// branch names, and git URLs.
package validate

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var ErrInvalidArgument = errors.New("invalid argument")

const MaxFileContentBytes = 10 * 1024 * 1024 // 10 MiB, per §6 and §8 boundary behavior

var branchNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/-]*$`)

// BranchName checks a git branch/ref name against the safe-branch-name pattern:
// alnum-leading, no ".." component, no trailing ".lock", at most 255 bytes.
func BranchName(name string) error {
	if name == "" || len(name) > 255 {
		return fmt.Errorf("%w: branch name length", ErrInvalidArgument)
	}
	if strings.Contains(name, "..") || strings.HasSuffix(name, ".lock") {
		return fmt.Errorf("%w: branch name contains forbidden sequence", ErrInvalidArgument)
	}
	if !branchNameRegex.MatchString(name) {
		return fmt.Errorf("%w: branch name has disallowed characters", ErrInvalidArgument)
	}
	return nil
}

var repoURLRegex = regexp.MustCompile(`^(https://[\w.\-/]+|git@[\w.\-]+:[\w.\-/]+|ssh://[\w.\-@/]+)(\.git)?$`)

// RepoURL checks a git clone/remote URL against the accepted https/git@/ssh:// shapes.
func RepoURL(url string) error {
	if url == "" || len(url) >= 2048 {
		return fmt.Errorf("%w: url length", ErrInvalidArgument)
	}
	if !repoURLRegex.MatchString(url) {
		return fmt.Errorf("%w: url does not match accepted pattern", ErrInvalidArgument)
	}
	return nil
}

// Port checks a TCP port against the 1024-65535 range reserved for exposed
// ports and proxy dispatch.
func Port(port int) error {
	if port < 1024 || port > 65535 {
		return fmt.Errorf("%w: port out of range [1024,65535]", ErrInvalidArgument)
	}
	return nil
}

// AbsolutePath requires a path to be absolute, used for session cwd validation.
func AbsolutePath(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("%w: path must be absolute", ErrInvalidArgument)
	}
	return nil
}

// ResolveSafePath resolves reqPath (absolute or relative) against root and
// rejects any result that escapes root, protecting file-op handlers from
// path traversal.
func ResolveSafePath(root, reqPath string) (string, error) {
	cleanRoot := filepath.Clean(root)
	var full string
	if filepath.IsAbs(reqPath) {
		full = filepath.Clean(reqPath)
	} else {
		full = filepath.Clean(filepath.Join(cleanRoot, reqPath))
	}
	if full != cleanRoot && !strings.HasPrefix(full, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path escapes working directory", ErrInvalidArgument)
	}
	return full, nil
}

// ContentSize rejects file writes over MaxFileContentBytes.
func ContentSize(content []byte) error {
	if len(content) > MaxFileContentBytes {
		return fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidArgument, MaxFileContentBytes)
	}
	return nil
}
