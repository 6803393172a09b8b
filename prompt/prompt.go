// Package prompt builds the system prompt for a turn: a base prompt chosen by
// model family (or supplied by the user), the environment and git context,
// the tool catalog, and project instruction files.
package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/martinemde/crow/llm"
)

// Options controls Build.
type Options struct {
	Model    string
	Provider string
	// Custom replaces the model-family base prompt when non-empty.
	Custom string
	Tools  []llm.ToolDefinition
	// GlobalDir holds a user-level AGENTS.md, typically ~/.config/crow.
	GlobalDir string
	// SkipGit leaves out the git context block.
	SkipGit bool
	Now     func() time.Time
}

// Build assembles the system prompt.
func Build(env Env, opts Options) string {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	base := opts.Custom
	if base == "" {
		base = BasePrompt(opts.Model)
	}
	sections := []string{strings.TrimSpace(base), EnvironmentContext(env, opts.Model, now())}

	if !opts.SkipGit {
		if git := GitContext(env.WorkingDirectory()); git != "" {
			sections = append(sections, git)
		}
	}

	if len(opts.Tools) > 0 {
		var sb strings.Builder
		sb.WriteString("# Available Tools\n")
		for _, def := range opts.Tools {
			fmt.Fprintf(&sb, "\n## %s\n%s\n", def.Name, def.Description)
		}
		sections = append(sections, strings.TrimRight(sb.String(), "\n"))
	}

	if docs := DiscoverProjectDocs(env.WorkingDirectory(), opts.Provider, opts.GlobalDir); docs != "" {
		sections = append(sections, "# Project Instructions\n\n"+docs)
	}
	return strings.Join(sections, "\n\n")
}

// Family is a model family with its own prompt conventions.
type Family string

const (
	FamilyAnthropic Family = "anthropic"
	FamilyOpenAI    Family = "openai"
	FamilyGemini    Family = "gemini"
	FamilyGeneric   Family = "generic"
)

// FamilyOf guesses the family from a model id.
func FamilyOf(model string) Family {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "claude"):
		return FamilyAnthropic
	case strings.HasPrefix(m, "gpt-"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"), strings.Contains(m, "codex"):
		return FamilyOpenAI
	case strings.Contains(m, "gemini"):
		return FamilyGemini
	default:
		return FamilyGeneric
	}
}

// BasePrompt returns the default base prompt for model.
func BasePrompt(model string) string {
	var extra string
	switch FamilyOf(model) {
	case FamilyAnthropic:
		extra = anthropicGuidance
	case FamilyOpenAI:
		extra = openaiGuidance
	case FamilyGemini:
		extra = geminiGuidance
	}
	if extra == "" {
		return corePrompt
	}
	return corePrompt + "\n\n" + extra
}

const corePrompt = `You are crow, an autonomous coding agent. You help users with software engineering tasks by reading files, editing code, running commands, and iterating until the task is done.

# Core Principles

- Read files before editing them. Understand existing code before changing it.
- Prefer editing existing files over creating new ones.
- Keep changes minimal and focused on what was asked.
- After making changes, verify them by reading the file back or running the relevant tests.
- Prefer short-running commands. Pass timeout_ms to bash for anything that may run long.

# Tool Usage

- read_file to examine files; use offset and limit for large ones.
- edit_file for targeted changes. old_string must match the file exactly and be unique.
- write_file only for new files or full rewrites.
- bash for builds, tests and other commands.
- grep to search file contents, find_path to find files by name, list_directory to look around.
- todo_write to plan work with three or more steps; keep one item in_progress and mark items completed as you go.
- fetch to read a URL, and web_search, when available, for information outside the project.

# Errors

- If a tool call fails, read the error and try a different approach instead of repeating the same call.
- If edit_file cannot find old_string, re-read the file to get its current content.
- If edit_file finds old_string more than once, include more surrounding lines.

# Finishing

When the task is done, call task_complete with a short summary of what you did. If you need input from the user, answer in plain text instead.`

const anthropicGuidance = `# Working Style

- Think through multi-step changes before starting, then work through them one tool call at a time.
- You can request several independent tool calls in one response; they run in order.`

const openaiGuidance = `# Working Style

- Keep going until the task is fully resolved before ending your turn.
- Plan before each tool call and reflect on the result of the previous one.
- Do not guess file contents or project structure; use the tools to find out.
- When apply_patch is available, prefer it for changes spanning several hunks or files.`

const geminiGuidance = `# Working Style

- Follow the conventions of the surrounding code: naming, formatting, libraries and structure.
- If the project contains a GEMINI.md file, follow its instructions. Files in subdirectories take precedence over the root.`
