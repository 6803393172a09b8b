package agentloop

import (
	"fmt"
	"strings"
)

// TruncationMode specifies how output is truncated.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// DefaultToolCharLimit applies to tools without an entry in DefaultToolCharLimits.
const DefaultToolCharLimit = 30000

// Default character limits for the builtin tools.
var DefaultToolCharLimits = map[string]int{
	"read_file":      50000,
	"bash":           30000,
	"grep":           20000,
	"find_path":      20000,
	"list_directory": 20000,
	"edit_file":      10000,
	"write_file":     1000,
}

// Default truncation modes per tool.
var DefaultTruncationModes = map[string]TruncationMode{
	"read_file":      TruncateHeadTail,
	"bash":           TruncateHeadTail,
	"grep":           TruncateTail,
	"find_path":      TruncateTail,
	"list_directory": TruncateTail,
	"edit_file":      TruncateTail,
	"write_file":     TruncateTail,
}

// Default line limits per tool (applied after character truncation).
var DefaultToolLineLimits = map[string]int{
	"bash":      256,
	"grep":      200,
	"find_path": 500,
}

// TruncateOutput applies character-based truncation to output.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}
	removed := len(output) - maxChars

	if mode == TruncateTail {
		return fmt.Sprintf("[Output truncated: the first %d characters were removed.]\n\n", removed) +
			output[len(output)-maxChars:]
	}

	half := maxChars / 2
	return output[:half] +
		fmt.Sprintf("\n\n[Output truncated: %d characters were removed from the middle. "+
			"Re-run the tool with narrower parameters to see them.]\n\n", removed) +
		output[len(output)-half:]
}

// TruncateLines keeps the first and last lines of output, maxLines in total.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if maxLines <= 0 || len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

// TruncateToolOutput shortens a tool result before it is stored in the thread:
// character truncation first, then line truncation. charLimits and lineLimits
// override the defaults per tool name and may be nil.
func TruncateToolOutput(output, toolName string, charLimits, lineLimits map[string]int) string {
	maxChars, ok := charLimits[toolName]
	if !ok {
		maxChars, ok = DefaultToolCharLimits[toolName]
		if !ok {
			maxChars = DefaultToolCharLimit
		}
	}

	mode, ok := DefaultTruncationModes[toolName]
	if !ok {
		mode = TruncateHeadTail
	}

	result := TruncateOutput(output, maxChars, mode)

	maxLines, ok := lineLimits[toolName]
	if !ok {
		maxLines = DefaultToolLineLimits[toolName]
	}
	return TruncateLines(result, maxLines)
}
