package prompt

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Env is what the prompt needs to know about where tools run.
// *tools.LocalEnvironment satisfies it.
type Env interface {
	WorkingDirectory() string
	Platform() string
	OSVersion() string
}

const maxProjectDocBytes = 32 * 1024

const gitTimeout = 2 * time.Second

// EnvironmentContext renders the <environment> block.
func EnvironmentContext(env Env, model string, now time.Time) string {
	workingDir := env.WorkingDirectory()
	branch, isGitRepo := gitBranch(workingDir)

	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Working directory: %s\n", workingDir)
	fmt.Fprintf(&sb, "Is git repository: %v\n", isGitRepo)
	if branch != "" {
		fmt.Fprintf(&sb, "Git branch: %s\n", branch)
	}
	fmt.Fprintf(&sb, "Platform: %s\n", env.Platform())
	fmt.Fprintf(&sb, "OS version: %s\n", env.OSVersion())
	fmt.Fprintf(&sb, "Today's date: %s\n", now.Format("2006-01-02"))
	if model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// GitContext summarizes the repository state, or returns "" outside git.
func GitContext(workingDir string) string {
	root := runGit(workingDir, "rev-parse", "--show-toplevel")
	if root == "" {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("<git_context>\n")
	if branch, _ := gitBranch(root); branch != "" {
		fmt.Fprintf(&sb, "Branch: %s\n", branch)
	}
	if status := runGit(root, "status", "--short"); status != "" {
		fmt.Fprintf(&sb, "Modified/untracked files: %d\n", len(strings.Split(status, "\n")))
	}
	if log := runGit(root, "log", "--oneline", "-10"); log != "" {
		sb.WriteString("Recent commits:\n")
		sb.WriteString(log)
		sb.WriteString("\n")
	}
	sb.WriteString("</git_context>")
	return sb.String()
}

// projectDocNames are loaded from every directory between the repository
// root and the working directory. The provider adds its own file.
func projectDocNames(provider string) []string {
	names := []string{"AGENTS.md", "CROW.md"}
	switch provider {
	case "anthropic":
		names = append(names, "CLAUDE.md")
	case "gemini":
		names = append(names, "GEMINI.md")
	case "openai":
		names = append(names, ".codex/instructions.md")
	}
	return names
}

// DiscoverProjectDocs loads project instruction files, outermost first, then
// the user-level file in globalDir (if non-empty). The result is capped at
// 32KB.
func DiscoverProjectDocs(workingDir, provider, globalDir string) string {
	root := runGit(workingDir, "rev-parse", "--show-toplevel")
	if root == "" {
		root = workingDir
	}

	var paths []string
	if globalDir != "" {
		paths = append(paths, filepath.Join(globalDir, "AGENTS.md"))
	}
	for _, dir := range pathHierarchy(root, workingDir) {
		for _, name := range projectDocNames(provider) {
			paths = append(paths, filepath.Join(dir, name))
		}
	}

	var docs []string
	total := 0
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil || len(strings.TrimSpace(string(content))) == 0 {
			continue
		}
		remaining := maxProjectDocBytes - total
		if remaining <= 0 {
			docs = append(docs, "[Project instructions truncated at 32KB]")
			break
		}
		text := string(content)
		if len(text) > remaining {
			text = text[:remaining] + "\n[Project instructions truncated at 32KB]"
		}
		docs = append(docs, fmt.Sprintf("# %s (from %s)\n\n%s", filepath.Base(path), filepath.Dir(path), text))
		total += len(text)
	}
	return strings.Join(docs, "\n\n---\n\n")
}

// pathHierarchy returns the directories from root down to target, inclusive.
// A target outside root yields just target.
func pathHierarchy(root, target string) []string {
	root, target = filepath.Clean(root), filepath.Clean(target)
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return []string{target}
	}

	dirs := []string{root}
	if rel == "." {
		return dirs
	}
	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}

func gitBranch(dir string) (string, bool) {
	if runGit(dir, "rev-parse", "--is-inside-work-tree") != "true" {
		return "", false
	}
	return runGit(dir, "rev-parse", "--abbrev-ref", "HEAD"), true
}

func runGit(dir string, args ...string) string {
	ctx, cancel := context.WithTimeout(context.Background(), gitTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
