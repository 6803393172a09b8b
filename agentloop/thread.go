package agentloop

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/martinemde/crow/llm"
)

// EntryKind discriminates between conversation entries.
type EntryKind string

const (
	EntryUser   EntryKind = "user"
	EntryAgent  EntryKind = "agent"
	EntryResume EntryKind = "resume"
)

const (
	// ResumeInstruction is the user message a resume marker serializes to.
	ResumeInstruction = "Continue where you left off"

	// EmptyToolOutput replaces empty tool output so no tool message is ever blank.
	EmptyToolOutput = "<Tool returned an empty string>"
)

// Thread is a conversation: an ordered list of entries owned by the caller.
// The engine borrows it for one turn at a time.
type Thread struct {
	ID        string    `json:"id"`
	Entries   []Entry   `json:"entries"`
	UpdatedAt time.Time `json:"updated_at"`

	busy atomic.Bool
}

// Entry is a single conversation entry. Exactly one payload is set for
// user and agent entries; resume markers carry none.
type Entry struct {
	Kind  EntryKind   `json:"kind"`
	User  *UserEntry  `json:"user,omitempty"`
	Agent *AgentEntry `json:"agent,omitempty"`
}

// UserEntry holds text contributed by the human.
type UserEntry struct {
	Text string `json:"text"`
}

// NewThread creates an empty thread. An empty id gets a generated one.
func NewThread(id string) *Thread {
	if id == "" {
		id = uuid.NewString()
	}
	return &Thread{ID: id, UpdatedAt: time.Now()}
}

func (t *Thread) touch() {
	t.UpdatedAt = time.Now()
}

// PushUser appends a user entry.
func (t *Thread) PushUser(text string) {
	t.Entries = append(t.Entries, Entry{Kind: EntryUser, User: &UserEntry{Text: text}})
	t.touch()
}

// PushResume appends a resume marker.
func (t *Thread) PushResume() {
	t.Entries = append(t.Entries, Entry{Kind: EntryResume})
	t.touch()
}

// StartAgentEntry appends an empty agent entry and returns it for filling.
func (t *Thread) StartAgentEntry() *AgentEntry {
	agent := &AgentEntry{thread: t}
	t.Entries = append(t.Entries, Entry{Kind: EntryAgent, Agent: agent})
	t.touch()
	return agent
}

// PendingAgent returns the last entry if it is an agent entry, else nil.
func (t *Thread) PendingAgent() *AgentEntry {
	if len(t.Entries) == 0 {
		return nil
	}
	last := t.Entries[len(t.Entries)-1]
	if last.Kind != EntryAgent || last.Agent == nil {
		return nil
	}
	// Entries decoded from JSON have no back-reference yet.
	last.Agent.thread = t
	return last.Agent
}

// LastAgentText returns the joined text items of the most recent agent entry.
func (t *Thread) LastAgentText() string {
	for i := len(t.Entries) - 1; i >= 0; i-- {
		if e := t.Entries[i]; e.Kind == EntryAgent && e.Agent != nil {
			return e.Agent.Text()
		}
	}
	return ""
}

// ToRequestMessages renders the conversation as a model request: the system
// prompt followed by every entry in order. The output depends only on entry
// contents, so an unchanged prefix always renders byte-identically.
func (t *Thread) ToRequestMessages(systemPrompt string) []llm.Message {
	msgs := make([]llm.Message, 0, len(t.Entries)+1)
	msgs = append(msgs, llm.SystemMessage(systemPrompt))
	for _, e := range t.Entries {
		msgs = append(msgs, e.messages()...)
	}
	return msgs
}

func (e Entry) messages() []llm.Message {
	switch e.Kind {
	case EntryUser:
		if e.User == nil {
			return nil
		}
		return []llm.Message{llm.UserMessage(e.User.Text)}
	case EntryResume:
		return []llm.Message{llm.UserMessage(ResumeInstruction)}
	case EntryAgent:
		if e.Agent == nil {
			return nil
		}
		return e.Agent.messages()
	default:
		panic(fmt.Sprintf("agentloop: unknown entry kind %q", e.Kind))
	}
}

// ContentKind discriminates between agent content items.
type ContentKind string

const (
	ContentText      ContentKind = "text"
	ContentReasoning ContentKind = "reasoning"
	ContentToolUse   ContentKind = "tool_use"
)

// ContentItem is one piece of an agent turn.
type ContentItem struct {
	Kind      ContentKind `json:"kind"`
	Text      string      `json:"text,omitempty"`
	Reasoning *Reasoning  `json:"reasoning,omitempty"`
	ToolUse   *ToolUse    `json:"tool_use,omitempty"`
}

// Reasoning is a reasoning fragment with an optional provider signature.
type Reasoning struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
}

// ToolUse is a tool call requested by the model.
type ToolUse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of one tool use.
type ToolResult struct {
	ToolName string `json:"tool_name"`
	Content  string `json:"content"`
	IsError  bool   `json:"is_error,omitempty"`
}

// AgentEntry is the model's side of a turn. Content is append-only.
type AgentEntry struct {
	Content     []ContentItem `json:"content"`
	ToolResults ToolResults   `json:"tool_results"`

	thread *Thread
}

func (a *AgentEntry) touch() {
	if a.thread != nil {
		a.thread.touch()
	}
}

// PushText appends a text item.
func (a *AgentEntry) PushText(text string) {
	a.Content = append(a.Content, ContentItem{Kind: ContentText, Text: text})
	a.touch()
}

// PushReasoning appends a reasoning item.
func (a *AgentEntry) PushReasoning(text, signature string) {
	a.Content = append(a.Content, ContentItem{
		Kind:      ContentReasoning,
		Reasoning: &Reasoning{Text: text, Signature: signature},
	})
	a.touch()
}

// PushToolUse appends a tool-use request.
func (a *AgentEntry) PushToolUse(id, name string, arguments json.RawMessage) {
	a.Content = append(a.Content, ContentItem{
		Kind:    ContentToolUse,
		ToolUse: &ToolUse{ID: id, Name: name, Arguments: arguments},
	})
	a.touch()
}

// AddToolResult records the result for a tool use. Empty content is replaced
// with EmptyToolOutput.
func (a *AgentEntry) AddToolResult(id, name, content string, isError bool) {
	if content == "" {
		content = EmptyToolOutput
	}
	a.ToolResults.Set(id, ToolResult{ToolName: name, Content: content, IsError: isError})
	a.touch()
}

// Text returns the text items joined by newlines.
func (a *AgentEntry) Text() string {
	var parts []string
	for _, item := range a.Content {
		if item.Kind == ContentText {
			parts = append(parts, item.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolUses returns the tool-use requests in order.
func (a *AgentEntry) ToolUses() []ToolUse {
	var uses []ToolUse
	for _, item := range a.Content {
		if item.Kind == ContentToolUse && item.ToolUse != nil {
			uses = append(uses, *item.ToolUse)
		}
	}
	return uses
}

// messages renders one assistant message (text, reasoning and matched tool
// calls) followed by one tool message per matched result. Tool uses without a
// result are dropped; backends reject dangling calls.
//
// Reasoning is always rendered as <thinking> text. Signed reasoning is also
// carried as a leading thinking part for backends that must echo it.
func (a *AgentEntry) messages() []llm.Message {
	var text strings.Builder
	var thinking, parts []llm.ContentPart
	matched := make(map[string]bool)

	for _, item := range a.Content {
		switch item.Kind {
		case ContentText:
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(item.Text)
		case ContentReasoning:
			if item.Reasoning == nil {
				continue
			}
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString("<thinking>")
			text.WriteString(item.Reasoning.Text)
			text.WriteString("</thinking>")
			if item.Reasoning.Signature != "" {
				thinking = append(thinking, llm.ThinkingPart(item.Reasoning.Text, item.Reasoning.Signature))
			}
		case ContentToolUse:
			tu := item.ToolUse
			if tu == nil {
				continue
			}
			if _, ok := a.ToolResults.Get(tu.ID); !ok {
				continue
			}
			matched[tu.ID] = true
			parts = append(parts, llm.ToolCallPart(tu.ID, tu.Name, tu.Arguments))
		default:
			panic(fmt.Sprintf("agentloop: unknown content kind %q", item.Kind))
		}
	}

	var msgs []llm.Message
	if text.Len() > 0 || len(parts) > 0 {
		content := make([]llm.ContentPart, 0, len(thinking)+len(parts)+1)
		content = append(content, thinking...)
		if text.Len() > 0 {
			content = append(content, llm.TextPart(text.String()))
		}
		content = append(content, parts...)
		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: content})
	}

	for _, id := range a.ToolResults.Keys() {
		if !matched[id] {
			continue
		}
		res, _ := a.ToolResults.Get(id)
		content := res.Content
		if content == "" {
			content = EmptyToolOutput
		}
		msgs = append(msgs, llm.ToolResultMessage(id, res.ToolName, content, res.IsError))
	}
	return msgs
}

// ToolResults maps tool-use ids to results and preserves insertion order.
// The zero value is ready to use.
type ToolResults struct {
	keys []string
	byID map[string]ToolResult
}

// Set inserts a result, or replaces it in place if the id is already present.
func (r *ToolResults) Set(id string, res ToolResult) {
	if r.byID == nil {
		r.byID = make(map[string]ToolResult)
	}
	if _, ok := r.byID[id]; !ok {
		r.keys = append(r.keys, id)
	}
	r.byID[id] = res
}

// Get returns the result for id.
func (r *ToolResults) Get(id string) (ToolResult, bool) {
	res, ok := r.byID[id]
	return res, ok
}

// Len returns the number of results.
func (r *ToolResults) Len() int {
	return len(r.keys)
}

// Keys returns the ids in insertion order.
func (r *ToolResults) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

type toolResultRecord struct {
	ToolUseID string `json:"tool_use_id"`
	ToolResult
}

// MarshalJSON encodes the results as an array so order survives a round trip.
func (r ToolResults) MarshalJSON() ([]byte, error) {
	records := make([]toolResultRecord, 0, len(r.keys))
	for _, id := range r.keys {
		records = append(records, toolResultRecord{ToolUseID: id, ToolResult: r.byID[id]})
	}
	return json.Marshal(records)
}

// UnmarshalJSON decodes the array form written by MarshalJSON.
func (r *ToolResults) UnmarshalJSON(data []byte) error {
	var records []toolResultRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("decode tool results: %w", err)
	}
	r.keys = nil
	r.byID = nil
	for _, rec := range records {
		r.Set(rec.ToolUseID, rec.ToolResult)
	}
	return nil
}
