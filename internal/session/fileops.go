package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/kandev/sandboxbroker/internal/supervisor"
	"github.com/kandev/sandboxbroker/internal/validate"
)

// FileEntry is one row of a listFiles result.
type FileEntry struct {
	Name         string `json:"name"`
	AbsolutePath string `json:"absolutePath"`
	RelativePath string `json:"relativePath"`
	Type         string `json:"type"` // file, directory, symlink, other
	Size         int64  `json:"size"`
	MtimeString  string `json:"mtimeString"`
	Mode         string `json:"mode"`
	Permissions  string `json:"permissions"`
}

// WriteFile writes content to path, creating parent directories as needed.
// Content over validate.MaxFileContentBytes is rejected before any shell
// command is built. UTF-8 content goes through a heredoc cut to its exact
// byte length, so the newline the heredoc adds before its terminator is not
// written. Content that fails UTF-8 validation is base64-encoded and decoded
// back to bytes on the shell side, so binary payloads survive the heredoc
// round trip intact.
func (s *Session) WriteFile(ctx context.Context, path string, content []byte) (*supervisor.Result, error) {
	if err := validate.ContentSize(content); err != nil {
		return nil, err
	}
	resolved, err := validate.ResolveSafePath(s.cwd, path)
	if err != nil {
		return nil, err
	}

	dir := shellSingleQuote(dirname(resolved))
	target := shellSingleQuote(resolved)

	var cmd string
	if utf8.Valid(content) {
		cmd = fmt.Sprintf(
			"mkdir -p %s && head -c %d > %s <<'SANDBOX_EOF'\n%s\nSANDBOX_EOF",
			dir, len(content), target, string(content),
		)
	} else {
		encoded := base64Encode(content)
		cmd = fmt.Sprintf(
			"mkdir -p %s && base64 -d <<'SANDBOX_EOF' > %s\n%s\nSANDBOX_EOF",
			dir, target, encoded,
		)
	}

	return s.Exec(ctx, cmd, ExecOptions{})
}

// ReadFile reads path via cat.
func (s *Session) ReadFile(ctx context.Context, path string) (*supervisor.Result, error) {
	resolved, err := validate.ResolveSafePath(s.cwd, path)
	if err != nil {
		return nil, err
	}
	return s.Exec(ctx, fmt.Sprintf("cat %s", shellSingleQuote(resolved)), ExecOptions{})
}

// Mkdir creates a directory, recursively if requested.
func (s *Session) Mkdir(ctx context.Context, path string, recursive bool) (*supervisor.Result, error) {
	resolved, err := validate.ResolveSafePath(s.cwd, path)
	if err != nil {
		return nil, err
	}
	flag := ""
	if recursive {
		flag = "-p "
	}
	return s.Exec(ctx, fmt.Sprintf("mkdir %s%s", flag, shellSingleQuote(resolved)), ExecOptions{})
}

// DeleteFile removes a file or directory.
func (s *Session) DeleteFile(ctx context.Context, path string) (*supervisor.Result, error) {
	resolved, err := validate.ResolveSafePath(s.cwd, path)
	if err != nil {
		return nil, err
	}
	return s.Exec(ctx, fmt.Sprintf("rm -rf %s", shellSingleQuote(resolved)), ExecOptions{})
}

// Rename moves oldPath to newPath within the same directory tree.
func (s *Session) Rename(ctx context.Context, oldPath, newPath string) (*supervisor.Result, error) {
	resolvedOld, err := validate.ResolveSafePath(s.cwd, oldPath)
	if err != nil {
		return nil, err
	}
	resolvedNew, err := validate.ResolveSafePath(s.cwd, newPath)
	if err != nil {
		return nil, err
	}
	return s.Exec(ctx, fmt.Sprintf("mv %s %s", shellSingleQuote(resolvedOld), shellSingleQuote(resolvedNew)), ExecOptions{})
}

// Move moves sourcePath to destinationPath, creating the destination's
// parent directory first.
func (s *Session) Move(ctx context.Context, sourcePath, destinationPath string) (*supervisor.Result, error) {
	resolvedSource, err := validate.ResolveSafePath(s.cwd, sourcePath)
	if err != nil {
		return nil, err
	}
	resolvedDest, err := validate.ResolveSafePath(s.cwd, destinationPath)
	if err != nil {
		return nil, err
	}
	cmd := fmt.Sprintf(
		"mkdir -p %s && mv %s %s",
		shellSingleQuote(dirname(resolvedDest)), shellSingleQuote(resolvedSource), shellSingleQuote(resolvedDest),
	)
	return s.Exec(ctx, cmd, ExecOptions{})
}

// ListFiles lists path, optionally recursively, parsing `ls -la`/`ls -lR`
// output into structured entries.
func (s *Session) ListFiles(ctx context.Context, path string, recursive, includeHidden bool) ([]FileEntry, *supervisor.Result, error) {
	resolved, err := validate.ResolveSafePath(s.cwd, path)
	if err != nil {
		return nil, nil, err
	}
	flags := "-l"
	if includeHidden {
		flags += "a"
	}
	if recursive {
		flags += "R"
	}
	result, execErr := s.Exec(ctx, fmt.Sprintf("ls %s %s", flags, shellSingleQuote(resolved)), ExecOptions{})
	if execErr != nil {
		return nil, nil, execErr
	}
	if !result.Success {
		return nil, result, nil
	}
	return parseLsOutput(result.Stdout, resolved), result, nil
}

// parseLsOutput parses `ls -l`-style listing lines into FileEntry rows. It
// tolerates the blank-line/"path:"-header sections `ls -R` emits for
// subdirectories by tracking the current directory as it scans.
func parseLsOutput(output, root string) []FileEntry {
	var entries []FileEntry
	currentDir := root

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if strings.HasSuffix(line, ":") && !strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "d") {
			currentDir = strings.TrimSuffix(line, ":")
			continue
		}
		if strings.HasPrefix(line, "total ") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 9 {
			continue
		}

		mode := fields[0]
		size, _ := strconv.ParseInt(fields[4], 10, 64)
		name := strings.Join(fields[8:], " ")
		if name == "." || name == ".." {
			continue
		}

		entryType := "file"
		switch mode[0] {
		case 'd':
			entryType = "directory"
		case 'l':
			entryType = "symlink"
			if idx := strings.Index(name, " -> "); idx != -1 {
				name = name[:idx]
			}
		case '-':
			entryType = "file"
		default:
			entryType = "other"
		}

		mtime := strings.Join(fields[5:8], " ")
		absPath := joinPath(currentDir, name)
		entries = append(entries, FileEntry{
			Name:         name,
			AbsolutePath: absPath,
			RelativePath: strings.TrimPrefix(strings.TrimPrefix(absPath, root), "/"),
			Type:         entryType,
			Size:         size,
			MtimeString:  mtime,
			Mode:         mode,
			Permissions:  mode[1:],
		})
	}
	return entries
}

func dirname(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

func joinPath(dir, name string) string {
	if strings.HasSuffix(dir, "/") {
		return dir + name
	}
	return dir + "/" + name
}

func shellSingleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func base64Encode(data []byte) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
	var b strings.Builder
	for i := 0; i < len(data); i += 3 {
		chunk := data[i:min(i+3, len(data))]
		n := len(chunk)
		var buf [3]byte
		copy(buf[:], chunk)
		b.WriteByte(alphabet[buf[0]>>2])
		b.WriteByte(alphabet[(buf[0]&0x03)<<4|buf[1]>>4])
		if n > 1 {
			b.WriteByte(alphabet[(buf[1]&0x0F)<<2|buf[2]>>6])
		} else {
			b.WriteByte('=')
		}
		if n > 2 {
			b.WriteByte(alphabet[buf[2]&0x3F])
		} else {
			b.WriteByte('=')
		}
	}
	return b.String()
}
