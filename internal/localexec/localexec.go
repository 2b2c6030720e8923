// Package localexec implements the builtin machine commands: shell
// execution, file access, and system info. The prime process uses it
// directly when a command targets the local machine; the daemon binary
// wires the same handlers behind its wire protocol, so both sides answer
// with identical result shapes.
package localexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	alfred "github.com/0xcha05/alfred"
	"github.com/0xcha05/alfred/internal/wire"
)

const defaultShellTimeout = 60 * time.Second

// Executor runs builtin commands on this machine.
type Executor struct {
	logger *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New creates an Executor.
func New(opts ...Option) *Executor {
	e := &Executor{logger: alfred.NopLogger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Handle dispatches one command and returns its result map. Unknown
// command types produce a failed result, never an error; the caller
// forwards whatever comes back.
func (e *Executor) Handle(ctx context.Context, commandType string, params map[string]any) map[string]any {
	switch commandType {
	case wire.CmdPing:
		return map[string]any{"success": true, "output": "pong", "time": time.Now().UTC().Format(time.RFC3339)}
	case wire.CmdShell:
		return e.shell(ctx, params)
	case wire.CmdReadFile:
		return e.readFile(params)
	case wire.CmdWriteFile:
		return e.writeFile(params)
	case wire.CmdListFiles:
		return e.listFiles(params)
	case wire.CmdSystemInfo:
		return e.systemInfo()
	default:
		return map[string]any{"success": false, "error": fmt.Sprintf("unknown command type: %s", commandType)}
	}
}

func (e *Executor) shell(ctx context.Context, params map[string]any) map[string]any {
	command := getString(params, "command")
	if strings.TrimSpace(command) == "" {
		return map[string]any{"success": false, "error": "command is required"}
	}
	workdir := getString(params, "working_directory")
	useSudo := getBool(params, "use_sudo")
	timeout := time.Duration(getInt(params, "timeout", int(defaultShellTimeout.Seconds()))) * time.Second

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if useSudo {
		cmd = exec.CommandContext(ctx, "sudo", "sh", "-c", command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	}
	if workdir != "" {
		cmd.Dir = workdir
	}

	e.logger.Info("executing shell command", "command", command, "workdir", workdir, "sudo", useSudo)
	start := time.Now()
	output, err := cmd.CombinedOutput()
	elapsed := time.Since(start)

	result := map[string]any{
		"output":      string(output),
		"duration_ms": elapsed.Milliseconds(),
	}
	if err == nil {
		result["success"] = true
		result["exit_code"] = 0
		return result
	}

	result["success"] = false
	if ctx.Err() == context.DeadlineExceeded {
		result["exit_code"] = -1
		result["error"] = fmt.Sprintf("command timed out after %ds", int(timeout.Seconds()))
		return result
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result["exit_code"] = exitErr.ExitCode()
		result["error"] = fmt.Sprintf("exit status %d", exitErr.ExitCode())
	} else {
		result["exit_code"] = -1
		result["error"] = err.Error()
	}
	return result
}

// readFile returns file content, optionally a line window: offset is the
// first line (0-based), limit the number of lines.
func (e *Executor) readFile(params map[string]any) map[string]any {
	path := getString(params, "path")
	if path == "" {
		return map[string]any{"success": false, "error": "path is required"}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return map[string]any{"success": false, "error": err.Error()}
	}

	content := string(raw)
	lines := strings.Split(content, "\n")
	totalLines := len(lines)
	if strings.HasSuffix(content, "\n") {
		totalLines--
	}

	offset := getInt(params, "offset", 0)
	limit := getInt(params, "limit", 0)
	if offset > 0 || limit > 0 {
		if offset >= len(lines) {
			lines = nil
		} else {
			lines = lines[offset:]
		}
		if limit > 0 && limit < len(lines) {
			lines = lines[:limit]
		}
		content = strings.Join(lines, "\n")
	}

	return map[string]any{
		"success":     true,
		"content":     content,
		"size":        len(raw),
		"total_lines": totalLines,
	}
}

func (e *Executor) writeFile(params map[string]any) map[string]any {
	path := getString(params, "path")
	if path == "" {
		return map[string]any{"success": false, "error": "path is required"}
	}
	content := getString(params, "content")
	appendMode := getBool(params, "append")

	mode := os.FileMode(0o644)
	if modeStr := getString(params, "mode"); modeStr != "" {
		parsed, err := strconv.ParseUint(modeStr, 8, 32)
		if err != nil {
			return map[string]any{"success": false, "error": fmt.Sprintf("invalid mode %q", modeStr)}
		}
		mode = os.FileMode(parsed)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return map[string]any{"success": false, "error": err.Error()}
		}
	}

	flags := os.O_WRONLY | os.O_CREATE
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, mode)
	if err != nil {
		return map[string]any{"success": false, "error": err.Error()}
	}
	n, err := f.WriteString(content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return map[string]any{"success": false, "error": err.Error()}
	}

	e.logger.Info("wrote file", "path", path, "bytes", n, "append", appendMode)
	return map[string]any{"success": true, "path": path, "size": n}
}

func (e *Executor) listFiles(params map[string]any) map[string]any {
	root := getString(params, "path")
	if root == "" {
		root = "."
	}
	recursive := getBool(params, "recursive")
	pattern := getString(params, "pattern")

	var files []map[string]any
	addEntry := func(path string, info os.FileInfo) {
		files = append(files, map[string]any{
			"name":     info.Name(),
			"path":     path,
			"size":     info.Size(),
			"is_dir":   info.IsDir(),
			"mode":     info.Mode().String(),
			"mod_time": info.ModTime().UTC().Format(time.RFC3339),
		})
	}
	matches := func(name string) bool {
		if pattern == "" {
			return true
		}
		ok, err := filepath.Match(pattern, name)
		return err == nil && ok
	}

	if recursive {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if path == root {
				return nil
			}
			if !matches(d.Name()) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			addEntry(path, info)
			return nil
		})
		if err != nil {
			return map[string]any{"success": false, "error": err.Error()}
		}
	} else {
		entries, err := os.ReadDir(root)
		if err != nil {
			return map[string]any{"success": false, "error": err.Error()}
		}
		for _, entry := range entries {
			if !matches(entry.Name()) {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			addEntry(filepath.Join(root, entry.Name()), info)
		}
	}

	return map[string]any{"success": true, "files": files, "count": len(files)}
}

func (e *Executor) systemInfo() map[string]any {
	hostname, _ := os.Hostname()
	cwd, _ := os.Getwd()
	return map[string]any{
		"success":  true,
		"hostname": hostname,
		"os":       runtime.GOOS,
		"arch":     runtime.GOARCH,
		"cpus":     runtime.NumCPU(),
		"pid":      os.Getpid(),
		"cwd":      cwd,
		"time":     time.Now().UTC().Format(time.RFC3339),
	}
}

// Param values arrive JSON-decoded, so numbers are float64 and anything
// may be missing.

func getString(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func getBool(params map[string]any, key string) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return false
}

func getInt(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return fallback
}
