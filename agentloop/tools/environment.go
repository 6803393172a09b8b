package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
}

// Output returns combined stdout and stderr.
func (r ExecResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// DirEntry is one entry of a directory listing. Path is relative to the
// listed directory.
type DirEntry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// GrepOptions configures grep behavior.
type GrepOptions struct {
	GlobFilter      string `json:"glob_filter,omitempty"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty"`
	MaxResults      int    `json:"max_results,omitempty"`
}

// Environment abstracts where tool operations run. Relative paths resolve
// against WorkingDirectory.
type Environment interface {
	ReadFile(path string) (string, error)
	WriteFile(path, content string) error
	DeleteFile(path string) error
	ListDirectory(path string, depth int) ([]DirEntry, error)
	ExecCommand(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error)
	Grep(ctx context.Context, pattern, path string, options GrepOptions) (string, error)
	Glob(ctx context.Context, pattern, path string) ([]string, error)

	WorkingDirectory() string
	Platform() string
	OSVersion() string
}

// sensitiveEnvSuffixes are case-insensitive suffixes of environment variables
// that are not passed to commands.
var sensitiveEnvSuffixes = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, suffix := range sensitiveEnvSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}

// filterEnvironment drops credentials from environ.
func filterEnvironment(environ []string) []string {
	filtered := make([]string, 0, len(environ))
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok || isSensitiveEnvVar(name) {
			continue
		}
		filtered = append(filtered, kv)
	}
	return filtered
}

// skippedDirs are never descended into by listings and globs.
var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"target":       true,
	"vendor":       true,
}

// LocalEnvironment runs tools on the local machine.
type LocalEnvironment struct {
	workingDir string
	env        []string
}

// NewLocalEnvironment creates a local environment rooted at workingDir, or
// the process working directory when it is empty.
func NewLocalEnvironment(workingDir string) *LocalEnvironment {
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}
	if abs, err := filepath.Abs(workingDir); err == nil {
		workingDir = abs
	}
	return &LocalEnvironment{workingDir: workingDir, env: filterEnvironment(os.Environ())}
}

func (e *LocalEnvironment) WorkingDirectory() string { return e.workingDir }
func (e *LocalEnvironment) Platform() string         { return runtime.GOOS }
func (e *LocalEnvironment) OSVersion() string        { return runtime.GOOS + "/" + runtime.GOARCH }

func (e *LocalEnvironment) resolve(path string) string {
	if path == "" {
		return e.workingDir
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(e.workingDir, path)
}

func (e *LocalEnvironment) ReadFile(path string) (string, error) {
	data, err := os.ReadFile(e.resolve(path))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (e *LocalEnvironment) WriteFile(path, content string) error {
	resolved := e.resolve(path)
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	return os.WriteFile(resolved, []byte(content), 0o644)
}

func (e *LocalEnvironment) DeleteFile(path string) error {
	return os.Remove(e.resolve(path))
}

// ListDirectory walks path up to depth levels (1 lists direct children only).
// Entries are sorted by path.
func (e *LocalEnvironment) ListDirectory(path string, depth int) ([]DirEntry, error) {
	root := e.resolve(path)
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", path)
	}
	if depth <= 0 {
		depth = 1
	}

	var entries []DirEntry
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || p == root {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		level := strings.Count(rel, string(filepath.Separator)) + 1
		if d.IsDir() && skippedDirs[d.Name()] {
			entries = append(entries, DirEntry{Path: rel, IsDir: true})
			return filepath.SkipDir
		}
		de := DirEntry{Path: rel, IsDir: d.IsDir()}
		if fi, err := d.Info(); err == nil && !d.IsDir() {
			de.Size = fi.Size()
		}
		entries = append(entries, de)
		if d.IsDir() && level >= depth {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// ExecCommand runs command with bash in the working directory. The command
// gets its own process group so a timeout or cancellation kills every child.
// A timeout is reported in the result, not as an error.
func (e *LocalEnvironment) ExecCommand(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "/bin/bash", "-c", command)
	cmd.Dir = e.workingDir
	cmd.Env = e.env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		killProcessGroup(cmd)
		return nil
	}
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err == nil {
		return result, nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		killProcessGroup(cmd)
		return result, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return nil, fmt.Errorf("exec: %w", err)
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

// Grep searches with ripgrep when available and falls back to grep -rn.
// No matches yields an empty string.
func (e *LocalEnvironment) Grep(ctx context.Context, pattern, path string, options GrepOptions) (string, error) {
	target := e.resolve(path)

	var cmd *exec.Cmd
	if rg, err := exec.LookPath("rg"); err == nil {
		args := []string{"--line-number", "--no-heading", "--color=never"}
		if options.CaseInsensitive {
			args = append(args, "-i")
		}
		if options.GlobFilter != "" {
			args = append(args, "--glob", options.GlobFilter)
		}
		args = append(args, "-e", pattern, target)
		cmd = exec.CommandContext(ctx, rg, args...)
	} else {
		args := []string{"-rnE"}
		if options.CaseInsensitive {
			args = append(args, "-i")
		}
		if options.GlobFilter != "" {
			args = append(args, "--include="+options.GlobFilter)
		}
		for dir := range skippedDirs {
			args = append(args, "--exclude-dir="+dir)
		}
		args = append(args, "-e", pattern, target)
		cmd = exec.CommandContext(ctx, "grep", args...)
	}
	cmd.Dir = e.workingDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		// Exit status 1 means no matches for both rg and grep.
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return "", errors.New(msg)
			}
			return "", err
		}
	}

	output := strings.TrimRight(stdout.String(), "\n")
	if options.MaxResults > 0 {
		lines := strings.Split(output, "\n")
		if len(lines) > options.MaxResults {
			output = strings.Join(lines[:options.MaxResults], "\n") +
				fmt.Sprintf("\n[... %d more matches]", len(lines)-options.MaxResults)
		}
	}
	return output, nil
}

// Glob finds files under path matching a doublestar pattern ("**/*.go").
// Results are relative to the working directory, newest first.
func (e *LocalEnvironment) Glob(ctx context.Context, pattern, path string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid glob pattern %q", pattern)
	}
	root := e.resolve(path)

	type match struct {
		path    string
		modTime time.Time
	}
	var matches []match
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return nil
		}
		if d.IsDir() && p != root && skippedDirs[d.Name()] {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(root, p)
		if err != nil || rel == "." {
			return nil
		}
		ok, err := doublestar.Match(pattern, filepath.ToSlash(rel))
		if err != nil || !ok {
			return nil
		}
		m := match{path: p}
		if info, err := d.Info(); err == nil {
			m.modTime = info.ModTime()
		}
		matches = append(matches, m)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if !matches[i].modTime.Equal(matches[j].modTime) {
			return matches[i].modTime.After(matches[j].modTime)
		}
		return matches[i].path < matches[j].path
	})
	out := make([]string, len(matches))
	for i, m := range matches {
		if rel, err := filepath.Rel(e.workingDir, m.path); err == nil {
			out[i] = rel
		} else {
			out[i] = m.path
		}
	}
	return out, nil
}
