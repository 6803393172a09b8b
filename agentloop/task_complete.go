package agentloop

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/martinemde/crow/llm"
)

// TaskCompleteToolName is the reserved tool the engine intercepts to end a
// turn. It never reaches the ToolExecutor.
const TaskCompleteToolName = "task_complete"

// TaskCompleteTool returns the catalog definition of the completion signal.
func TaskCompleteTool() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name: TaskCompleteToolName,
		Description: "Call when the user's task is complete and correct. " +
			"Use this tool when you have finished the work and want to signal completion. " +
			"The summary will be shown to the user as the final response.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"summary": map[string]any{
					"type":        "string",
					"description": "A summary of what was accomplished",
				},
			},
			"required": []string{"summary"},
		},
	}
}

// parseTaskComplete extracts the summary from task_complete arguments.
func parseTaskComplete(arguments json.RawMessage) (string, error) {
	var args struct {
		Summary *string `json:"summary"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return "", fmt.Errorf("invalid task_complete arguments: %w", err)
	}
	if args.Summary == nil {
		return "", fmt.Errorf("invalid task_complete arguments: missing required field \"summary\"")
	}
	return strings.TrimSpace(*args.Summary), nil
}
