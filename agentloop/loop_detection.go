package agentloop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// toolCallSignature computes a deterministic signature for a tool call
// (name + hash of canonical arguments). Arguments that differ only in key
// order or whitespace share a signature.
func toolCallSignature(name string, arguments json.RawMessage) string {
	h := sha256.Sum256(canonicalArguments(arguments))
	return fmt.Sprintf("%s:%x", name, h[:8])
}

func canonicalArguments(arguments json.RawMessage) []byte {
	var v any
	if err := json.Unmarshal(arguments, &v); err != nil {
		return arguments
	}
	out, err := json.Marshal(v)
	if err != nil {
		return arguments
	}
	return out
}

// loopDetector watches the tool calls of one turn for the same call being
// requested over and over.
type loopDetector struct {
	threshold int
	recent    []string
}

func newLoopDetector(threshold int) *loopDetector {
	return &loopDetector{threshold: threshold}
}

// observe records a call and reports whether the last threshold calls were
// identical. A detection resets the window so the model gets a fresh chance.
func (d *loopDetector) observe(name string, arguments json.RawMessage) bool {
	if d == nil || d.threshold <= 1 {
		return false
	}
	d.recent = append(d.recent, toolCallSignature(name, arguments))
	if len(d.recent) > d.threshold {
		d.recent = d.recent[len(d.recent)-d.threshold:]
	}
	if len(d.recent) < d.threshold {
		return false
	}
	for _, sig := range d.recent[1:] {
		if sig != d.recent[0] {
			return false
		}
	}
	d.recent = d.recent[:0]
	return true
}

func loopDetectedMessage(name string, threshold int) string {
	return fmt.Sprintf("Loop detected: '%s' was called %d times in a row with identical arguments. "+
		"The call was not executed. Try a different approach or ask the user for help.", name, threshold)
}
