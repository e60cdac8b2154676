package dispatch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ShellCollaborator executes commands in the configured isolation wrapper.
// The wrapper (e.g. a container runner) is external policy; an empty
// wrapper runs the command directly.
type ShellCollaborator struct {
	Wrapper []string // e.g. {"docker", "run", "--rm", "sandbox", "sh", "-c"}
}

func (s *ShellCollaborator) Perform(ctx context.Context, action string, params map[string]string) (string, error) {
	if action != "execute" {
		return "", fmt.Errorf("shell: unsupported action %q", action)
	}
	command := strings.TrimSpace(params["command"])
	if command == "" {
		return "", fmt.Errorf("shell: command is required")
	}

	argv := append(append([]string{}, s.Wrapper...), command)
	if len(s.Wrapper) == 0 {
		argv = []string{"sh", "-c", command}
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("shell: %w", ctx.Err())
		}
		return "", fmt.Errorf("shell: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// FileCollaborator reads and writes files under a root directory.
type FileCollaborator struct {
	Root string
}

func (f *FileCollaborator) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("files: path is required")
	}
	full := filepath.Join(f.Root, filepath.Clean("/"+path))
	return full, nil
}

func (f *FileCollaborator) Perform(ctx context.Context, action string, params map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	switch action {
	case "read":
		full, err := f.resolve(params["path"])
		if err != nil {
			return "", err
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return "", fmt.Errorf("files: %w", err)
		}
		return string(data), nil
	case "write":
		full, err := f.resolve(params["path"])
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return "", fmt.Errorf("files: %w", err)
		}
		if err := os.WriteFile(full, []byte(params["content"]), 0644); err != nil {
			return "", fmt.Errorf("files: %w", err)
		}
		return "ok", nil
	case "list":
		full, err := f.resolve(params["path"])
		if err != nil {
			return "", err
		}
		entries, err := os.ReadDir(full)
		if err != nil {
			return "", fmt.Errorf("files: %w", err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		return strings.Join(names, "\n"), nil
	default:
		return "", fmt.Errorf("files: unsupported action %q", action)
	}
}
