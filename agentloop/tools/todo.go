package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/martinemde/crow/agentloop"
	"github.com/martinemde/crow/llm"
)

// TodoStatus is the state of one todo item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
	TodoCancelled  TodoStatus = "cancelled"
)

func (s TodoStatus) valid() bool {
	switch s {
	case TodoPending, TodoInProgress, TodoCompleted, TodoCancelled:
		return true
	}
	return false
}

// TodoItem is one entry of the model's plan.
type TodoItem struct {
	Content    string     `json:"content"`
	Status     TodoStatus `json:"status"`
	ActiveForm string     `json:"activeForm"`
}

// TodoStore keeps one todo list per thread. The zero value is ready to use.
type TodoStore struct {
	mu    sync.RWMutex
	lists map[string][]TodoItem
}

// NewTodoStore creates an empty store.
func NewTodoStore() *TodoStore {
	return &TodoStore{}
}

// Get returns a copy of the thread's list.
func (s *TodoStore) Get(threadID string) []TodoItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := s.lists[threadID]
	out := make([]TodoItem, len(items))
	copy(out, items)
	return out
}

// Set replaces the thread's list.
func (s *TodoStore) Set(threadID string, items []TodoItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lists == nil {
		s.lists = make(map[string][]TodoItem)
	}
	s.lists[threadID] = append([]TodoItem(nil), items...)
}

// todoThread picks the list a call works on. Calls made outside a turn share
// the empty id.
func todoThread(ctx context.Context) string {
	id, _ := agentloop.ThreadIDFromContext(ctx)
	return id
}

var todoItemSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"content":    map[string]any{"type": "string", "description": "Brief description of the task."},
		"status":     map[string]any{"type": "string", "enum": []string{"pending", "in_progress", "completed", "cancelled"}},
		"activeForm": map[string]any{"type": "string", "description": "Present continuous form shown while the task runs, e.g. \"Running tests\"."},
	},
	"required": []string{"content", "status", "activeForm"},
}

func todoWriteTool(store *TodoStore) Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name: "todo_write",
			Description: "Create or update the task list for this session. The list you pass replaces the current one. " +
				"Use it for work with three or more steps: mark one item in_progress before starting it and completed as soon as it is done. " +
				"Skip it for single, trivial tasks.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"todos": map[string]any{
						"type":        "array",
						"description": "The complete updated todo list.",
						"items":       todoItemSchema,
					},
				},
				"required": []string{"todos"},
			},
		},
		Handler: func(ctx context.Context, args Args, env Environment) (string, error) {
			raw, ok := args["todos"]
			if !ok {
				return "", fmt.Errorf("todos is required")
			}
			items, err := decodeTodos(raw)
			if err != nil {
				return "", err
			}
			store.Set(todoThread(ctx), items)
			return formatTodos(items), nil
		},
	}
}

func todoReadTool(store *TodoStore) Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "todo_read",
			Description: "Read the current task list for this session.",
			Parameters:  objectSchema(map[string]property{}),
		},
		Handler: func(ctx context.Context, args Args, env Environment) (string, error) {
			return formatTodos(store.Get(todoThread(ctx))), nil
		},
	}
}

func decodeTodos(raw any) ([]TodoItem, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("todos: %w", err)
	}
	var items []TodoItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("todos must be an array of {content, status, activeForm}: %w", err)
	}
	for i, item := range items {
		if strings.TrimSpace(item.Content) == "" {
			return nil, fmt.Errorf("todo %d: content is required", i+1)
		}
		if !item.Status.valid() {
			return nil, fmt.Errorf("todo %d: invalid status %q", i+1, item.Status)
		}
	}
	return items, nil
}

var todoMarks = map[TodoStatus]string{
	TodoPending:    "[ ]",
	TodoInProgress: "[~]",
	TodoCompleted:  "[x]",
	TodoCancelled:  "[-]",
}

func formatTodos(items []TodoItem) string {
	if len(items) == 0 {
		return "No todos."
	}
	var sb strings.Builder
	done := 0
	for i, item := range items {
		if item.Status == TodoCompleted {
			done++
		}
		fmt.Fprintf(&sb, "%d. %s %s\n", i+1, todoMarks[item.Status], item.Content)
	}
	fmt.Fprintf(&sb, "%d/%d completed", done, len(items))
	return sb.String()
}
