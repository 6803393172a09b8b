package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strings"
	"time"

	diff "github.com/shogoki/gotextdiff"

	"github.com/martinemde/crow/llm"
)

// Options configures the builtin tools.
type Options struct {
	// CommandTimeout is the bash timeout when the model does not pass one.
	CommandTimeout time.Duration
	// MaxCommandTimeout caps a model-provided timeout.
	MaxCommandTimeout time.Duration
	// ApplyPatch adds the apply_patch tool, for models trained on the v4a
	// patch format.
	ApplyPatch bool
	// SearchURL is the base URL of a SearXNG instance. web_search is only
	// registered when it is set.
	SearchURL string
	// HTTPClient serves fetch and web_search. Nil uses a client with a 30s timeout.
	HTTPClient *http.Client
	// Todos holds the todo lists. Nil gives the registry its own store.
	Todos *TodoStore
}

const (
	DefaultCommandTimeout    = 2 * time.Minute
	DefaultMaxCommandTimeout = 10 * time.Minute

	defaultReadLimit   = 2000
	defaultGrepResults = 100
	maxGlobResults     = 200
)

func (o Options) withDefaults() Options {
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	if o.MaxCommandTimeout <= 0 {
		o.MaxCommandTimeout = DefaultMaxCommandTimeout
	}
	if o.CommandTimeout > o.MaxCommandTimeout {
		o.CommandTimeout = o.MaxCommandTimeout
	}
	if o.HTTPClient == nil {
		o.HTTPClient = defaultHTTPClient()
	}
	if o.Todos == nil {
		o.Todos = NewTodoStore()
	}
	return o
}

// RegisterBuiltins registers the file, shell, search, web and todo tools on
// reg. web_search and apply_patch are added only when opts enables them.
func RegisterBuiltins(reg *Registry, opts Options) error {
	opts = opts.withDefaults()
	builtins := []Tool{
		readFileTool(),
		writeFileTool(),
		editFileTool(),
		listDirectoryTool(),
		bashTool(opts),
		grepTool(),
		findPathTool(),
		fetchTool(opts.HTTPClient),
	}
	if opts.SearchURL != "" {
		builtins = append(builtins, webSearchTool(opts.HTTPClient, opts.SearchURL))
	}
	builtins = append(builtins, todoWriteTool(opts.Todos), todoReadTool(opts.Todos))
	if opts.ApplyPatch {
		builtins = append(builtins, applyPatchTool())
	}
	for _, tool := range builtins {
		if err := reg.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// NewBuiltinRegistry returns a registry with the builtin tools running in env.
func NewBuiltinRegistry(env Environment, opts Options) *Registry {
	reg := NewRegistry(env)
	if err := RegisterBuiltins(reg, opts); err != nil {
		// Only reachable through a duplicate builtin name.
		panic(err)
	}
	return reg
}

type property struct {
	typ         string
	description string
}

func objectSchema(props map[string]property, required ...string) map[string]any {
	properties := make(map[string]any, len(props))
	for name, p := range props {
		properties[name] = map[string]any{"type": p.typ, "description": p.description}
	}
	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func readFileTool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "read_file",
			Description: "Read a file from the filesystem. Returns line-numbered content. Use offset and limit for large files.",
			Parameters: objectSchema(map[string]property{
				"path":   {"string", "Path to the file, relative to the working directory or absolute."},
				"offset": {"integer", "1-based line number to start reading from."},
				"limit":  {"integer", "Maximum number of lines to read. Default: 2000."},
			}, "path"),
		},
		Handler: func(ctx context.Context, args Args, env Environment) (string, error) {
			path, err := args.RequiredString("path")
			if err != nil {
				return "", err
			}
			content, err := env.ReadFile(path)
			if err != nil {
				return "", err
			}
			offset, _ := args.Int("offset")
			limit, ok := args.Int("limit")
			if !ok || limit <= 0 {
				limit = defaultReadLimit
			}
			return numberLines(content, offset, limit), nil
		},
	}
}

// numberLines formats content as "N | line", starting at the 1-based offset.
func numberLines(content string, offset, limit int) string {
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	start := 0
	if offset > 0 {
		start = offset - 1
	}
	if start >= len(lines) {
		return ""
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	var sb strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&sb, "%d | %s\n", i+1, lines[i])
	}
	if end < len(lines) {
		fmt.Fprintf(&sb, "[%d more lines; continue with offset=%d]\n", len(lines)-end, end+1)
	}
	return sb.String()
}

func writeFileTool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "write_file",
			Description: "Write content to a file. Creates the file and parent directories if needed and overwrites existing content.",
			Parameters: objectSchema(map[string]property{
				"path":    {"string", "Path to write to."},
				"content": {"string", "The full file content to write."},
			}, "path", "content"),
		},
		Handler: func(ctx context.Context, args Args, env Environment) (string, error) {
			path, err := args.RequiredString("path")
			if err != nil {
				return "", err
			}
			content, ok := args.String("content")
			if !ok {
				return "", fmt.Errorf("content is required")
			}
			if err := env.WriteFile(path, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
		},
	}
}

func editFileTool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name: "edit_file",
			Description: "Replace an exact string in a file. old_string must be unique in the file unless replace_all is true. " +
				"Returns a unified diff of the change.",
			Parameters: objectSchema(map[string]property{
				"path":        {"string", "Path to the file to edit."},
				"old_string":  {"string", "Exact text to find in the file."},
				"new_string":  {"string", "Replacement text."},
				"replace_all": {"boolean", "Replace all occurrences. Default: false."},
			}, "path", "old_string", "new_string"),
		},
		Handler: func(ctx context.Context, args Args, env Environment) (string, error) {
			path, err := args.RequiredString("path")
			if err != nil {
				return "", err
			}
			oldString, err := args.RequiredString("old_string")
			if err != nil {
				return "", err
			}
			newString, ok := args.String("new_string")
			if !ok {
				return "", fmt.Errorf("new_string is required")
			}
			if oldString == newString {
				return "", fmt.Errorf("old_string and new_string are identical")
			}
			replaceAll, _ := args.Bool("replace_all")

			content, err := env.ReadFile(path)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return "", fmt.Errorf("file not found: %s", path)
				}
				return "", err
			}

			count := strings.Count(content, oldString)
			switch {
			case count == 0:
				return "", fmt.Errorf("old_string not found in %s", path)
			case count > 1 && !replaceAll:
				return "", fmt.Errorf("old_string found %d times in %s. Provide more context to make it unique, or set replace_all=true", count, path)
			}

			updated := strings.Replace(content, oldString, newString, 1)
			replaced := 1
			if replaceAll {
				updated = strings.ReplaceAll(content, oldString, newString)
				replaced = count
			}
			if err := env.WriteFile(path, updated); err != nil {
				return "", err
			}

			summary := fmt.Sprintf("Replaced %d occurrence(s) in %s", replaced, path)
			if d := diff.Diff(path, []byte(content), path, []byte(updated)); len(d) > 0 {
				summary += "\n\n" + string(d)
			}
			return summary, nil
		},
	}
}

func listDirectoryTool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "list_directory",
			Description: "List files and directories. Directories end with '/'.",
			Parameters: objectSchema(map[string]property{
				"path":  {"string", "Directory to list. Default: working directory."},
				"depth": {"integer", "How many levels to descend. Default: 1."},
			}),
		},
		Handler: func(ctx context.Context, args Args, env Environment) (string, error) {
			path, _ := args.String("path")
			depth, _ := args.Int("depth")
			entries, err := env.ListDirectory(path, depth)
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "Directory is empty.", nil
			}
			var sb strings.Builder
			for _, e := range entries {
				if e.IsDir {
					fmt.Fprintf(&sb, "%s/\n", e.Path)
				} else {
					fmt.Fprintf(&sb, "%s (%d bytes)\n", e.Path, e.Size)
				}
			}
			return sb.String(), nil
		},
	}
}

func bashTool(opts Options) Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "bash",
			Description: "Execute a bash command in the working directory. Returns stdout, stderr and the exit code.",
			Parameters: objectSchema(map[string]property{
				"command":     {"string", "The command to run."},
				"timeout_ms":  {"integer", fmt.Sprintf("Timeout in milliseconds. Default: %d, max: %d.", opts.CommandTimeout.Milliseconds(), opts.MaxCommandTimeout.Milliseconds())},
				"description": {"string", "Short description of what the command does."},
			}, "command"),
		},
		Handler: func(ctx context.Context, args Args, env Environment) (string, error) {
			command, err := args.RequiredString("command")
			if err != nil {
				return "", err
			}
			timeout := opts.CommandTimeout
			if ms, ok := args.Int("timeout_ms"); ok && ms > 0 {
				timeout = time.Duration(ms) * time.Millisecond
			}
			if timeout > opts.MaxCommandTimeout {
				timeout = opts.MaxCommandTimeout
			}

			result, err := env.ExecCommand(ctx, command, timeout)
			if err != nil {
				return "", err
			}

			var sb strings.Builder
			sb.WriteString(result.Output())
			switch {
			case result.TimedOut:
				fmt.Fprintf(&sb, "\n\n[ERROR: Command timed out after %dms. Partial output is shown above. "+
					"Retry with a longer timeout_ms if the command needs more time.]", timeout.Milliseconds())
				return "", errors.New(strings.TrimSpace(sb.String()))
			case result.ExitCode != 0:
				fmt.Fprintf(&sb, "\n\n[Exit code: %d]", result.ExitCode)
				return "", errors.New(strings.TrimSpace(sb.String()))
			}
			return sb.String(), nil
		},
	}
}

func grepTool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "grep",
			Description: "Search file contents with a regular expression. Returns matching lines with file paths and line numbers.",
			Parameters: objectSchema(map[string]property{
				"pattern":          {"string", "Regex pattern to search for."},
				"path":             {"string", "Directory or file to search. Default: working directory."},
				"glob_filter":      {"string", "File pattern filter (e.g. \"*.go\")."},
				"case_insensitive": {"boolean", "Case insensitive search. Default: false."},
				"max_results":      {"integer", "Maximum number of matching lines. Default: 100."},
			}, "pattern"),
		},
		Handler: func(ctx context.Context, args Args, env Environment) (string, error) {
			pattern, err := args.RequiredString("pattern")
			if err != nil {
				return "", err
			}
			path, _ := args.String("path")
			globFilter, _ := args.String("glob_filter")
			caseInsensitive, _ := args.Bool("case_insensitive")
			maxResults, ok := args.Int("max_results")
			if !ok || maxResults <= 0 {
				maxResults = defaultGrepResults
			}

			out, err := env.Grep(ctx, pattern, path, GrepOptions{
				GlobFilter:      globFilter,
				CaseInsensitive: caseInsensitive,
				MaxResults:      maxResults,
			})
			if err != nil {
				return "", err
			}
			if out == "" {
				return "No matches found.", nil
			}
			return out, nil
		},
	}
}

func findPathTool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name: "find_path",
			Description: "Find files by name with a glob pattern such as \"*.go\" or \"**/*_test.go\". " +
				"Returns paths newest first. Use grep to search file contents.",
			Parameters: objectSchema(map[string]property{
				"pattern": {"string", "Glob pattern matched against paths relative to the search directory."},
				"path":    {"string", "Directory to search. Default: working directory."},
			}, "pattern"),
		},
		Handler: func(ctx context.Context, args Args, env Environment) (string, error) {
			pattern, err := args.RequiredString("pattern")
			if err != nil {
				return "", err
			}
			path, _ := args.String("path")

			matches, err := env.Glob(ctx, pattern, path)
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return "No files matched the pattern.", nil
			}
			out := strings.Join(truncateList(matches, maxGlobResults), "\n")
			if len(matches) > maxGlobResults {
				out += fmt.Sprintf("\n[%d more matches; narrow the pattern]", len(matches)-maxGlobResults)
			}
			return out, nil
		},
	}
}

func truncateList(items []string, n int) []string {
	if len(items) > n {
		return items[:n]
	}
	return items
}
