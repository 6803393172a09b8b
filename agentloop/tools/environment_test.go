package tools

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestFilterEnvironment(t *testing.T) {
	in := []string{
		"PATH=/bin",
		"OPENAI_API_KEY=sk",
		"github_token=abc",
		"DB_PASSWORD=pw",
		"HOME=/root",
		"MALFORMED",
	}
	got := filterEnvironment(in)
	want := []string{"PATH=/bin", "HOME=/root"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestLocalEnvironmentReadWrite(t *testing.T) {
	dir := t.TempDir()
	env := NewLocalEnvironment(dir)

	if err := env.WriteFile("nested/deep/file.txt", "hello"); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := env.ReadFile(filepath.Join(dir, "nested/deep/file.txt"))
	if err != nil || got != "hello" {
		t.Fatalf("read back %q, %v", got, err)
	}
	if _, err := env.ReadFile("missing.txt"); !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestLocalEnvironmentListDirectory(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"a.txt":             "a",
		"src/main.go":       "package main",
		"src/pkg/x.go":      "package pkg",
		".git/HEAD":         "ref",
		"node_modules/m.js": "x",
	})
	env := NewLocalEnvironment(dir)

	entries, err := env.ListDirectory("", 1)
	if err != nil {
		t.Fatal(err)
	}
	var paths []string
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	if want := []string{".git", "a.txt", "node_modules", "src"}; !reflect.DeepEqual(paths, want) {
		t.Errorf("depth 1: expected %v, got %v", want, paths)
	}

	entries, _ = env.ListDirectory("", 3)
	paths = nil
	for _, e := range entries {
		paths = append(paths, filepath.ToSlash(e.Path))
	}
	for _, p := range paths {
		if strings.HasPrefix(p, ".git/") || strings.HasPrefix(p, "node_modules/") {
			t.Errorf("skipped directory was descended into: %s", p)
		}
	}
	if !containsString(paths, "src/pkg/x.go") {
		t.Errorf("depth 3 should include nested files, got %v", paths)
	}

	if _, err := env.ListDirectory("a.txt", 1); err == nil {
		t.Error("expected error listing a file")
	}
}

func TestLocalEnvironmentExecCommand(t *testing.T) {
	env := NewLocalEnvironment(t.TempDir())
	ctx := context.Background()

	result, err := env.ExecCommand(ctx, "echo out; echo err >&2; exit 3", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if result.ExitCode != 3 || strings.TrimSpace(result.Stdout) != "out" || strings.TrimSpace(result.Stderr) != "err" {
		t.Errorf("unexpected result %+v", result)
	}

	result, err = env.ExecCommand(ctx, "pwd", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	wantDir, _ := filepath.EvalSymlinks(env.WorkingDirectory())
	gotDir, _ := filepath.EvalSymlinks(strings.TrimSpace(result.Stdout))
	if gotDir != wantDir {
		t.Errorf("expected command to run in %s, got %s", wantDir, gotDir)
	}
}

func TestLocalEnvironmentExecTimeout(t *testing.T) {
	env := NewLocalEnvironment(t.TempDir())

	start := time.Now()
	result, err := env.ExecCommand(context.Background(), "echo started; sleep 30 & sleep 30", 200*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if !result.TimedOut || result.ExitCode != -1 {
		t.Errorf("expected timeout, got %+v", result)
	}
	if !strings.Contains(result.Stdout, "started") {
		t.Errorf("expected partial output, got %q", result.Stdout)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("the process group should have been killed promptly")
	}
}

func TestLocalEnvironmentExecCancelled(t *testing.T) {
	env := NewLocalEnvironment(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := env.ExecCommand(ctx, "sleep 30", time.Minute)
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestLocalEnvironmentGlob(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"main.go":         "",
		"pkg/a.go":        "",
		"pkg/a_test.go":   "",
		"pkg/sub/b.go":    "",
		"README.md":       "",
		"vendor/lib/v.go": "",
	})
	env := NewLocalEnvironment(dir)

	tests := []struct {
		pattern string
		path    string
		want    []string
	}{
		{"*.go", "", []string{"main.go"}},
		{"**/*.go", "", []string{"main.go", "pkg/a.go", "pkg/a_test.go", "pkg/sub/b.go"}},
		{"**/*_test.go", "", []string{"pkg/a_test.go"}},
		{"*.go", "pkg", []string{"pkg/a.go", "pkg/a_test.go"}},
		{"*.rs", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"@"+tt.path, func(t *testing.T) {
			got, err := env.Glob(context.Background(), tt.pattern, tt.path)
			if err != nil {
				t.Fatal(err)
			}
			for i := range got {
				got[i] = filepath.ToSlash(got[i])
			}
			if !sameSet(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}

	if _, err := env.Glob(context.Background(), "[", ""); err == nil {
		t.Error("expected invalid pattern error")
	}
}

func TestLocalEnvironmentGrep(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"a.go":  "package a\nfunc Hello() {}\n",
		"b.txt": "hello world\n",
	})
	env := NewLocalEnvironment(dir)
	ctx := context.Background()

	out, err := env.Grep(ctx, "Hello", "", GrepOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "a.go") || strings.Contains(out, "b.txt") {
		t.Errorf("unexpected matches %q", out)
	}

	out, _ = env.Grep(ctx, "hello", "", GrepOptions{CaseInsensitive: true})
	if !strings.Contains(out, "a.go") || !strings.Contains(out, "b.txt") {
		t.Errorf("expected case-insensitive matches in both files, got %q", out)
	}

	out, err = env.Grep(ctx, "nothing-matches-this", "", GrepOptions{})
	if err != nil || out != "" {
		t.Errorf("expected empty output without error, got %q %v", out, err)
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for _, v := range b {
		if !containsString(a, v) {
			return false
		}
	}
	return true
}
