package tools

import (
	"context"
	"fmt"
	"strings"

	diff "github.com/shogoki/gotextdiff"

	"github.com/martinemde/crow/llm"
)

// apply_patch accepts the v4a patch format used by OpenAI's coding models:
//
//	*** Begin Patch
//	*** Update File: path
//	@@ optional anchor line
//	 context
//	-removed
//	+added
//	*** End Patch
//
// A patch may also carry "*** Add File:" (every line prefixed with +),
// "*** Delete File:" and, right after an update header, "*** Move to:".

const (
	patchBegin  = "*** Begin Patch"
	patchEnd    = "*** End Patch"
	patchAdd    = "*** Add File: "
	patchDelete = "*** Delete File: "
	patchUpdate = "*** Update File: "
	patchMove   = "*** Move to: "
	patchEOF    = "*** End of File"
)

type fileOpKind int

const (
	opAdd fileOpKind = iota
	opDelete
	opUpdate
)

type fileOp struct {
	kind    fileOpKind
	path    string
	moveTo  string
	content []string // opAdd
	hunks   []hunk   // opUpdate
}

type hunk struct {
	anchor string
	lines  []hunkLine
}

type hunkLine struct {
	op   byte // ' ', '-' or '+'
	text string
}

// oldNew splits a hunk into the lines it expects and the lines it leaves.
func (h hunk) oldNew() (old, updated []string) {
	for _, l := range h.lines {
		switch l.op {
		case ' ':
			old = append(old, l.text)
			updated = append(updated, l.text)
		case '-':
			old = append(old, l.text)
		case '+':
			updated = append(updated, l.text)
		}
	}
	return old, updated
}

func parsePatch(text string) ([]fileOp, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	if len(lines) < 2 || strings.TrimSpace(lines[0]) != patchBegin {
		return nil, fmt.Errorf("patch must start with %q", patchBegin)
	}
	if strings.TrimSpace(lines[len(lines)-1]) != patchEnd {
		return nil, fmt.Errorf("patch must end with %q", patchEnd)
	}
	lines = lines[1 : len(lines)-1]

	var ops []fileOp
	for i := 0; i < len(lines); {
		line := strings.TrimSpace(lines[i])
		switch {
		case line == "":
			i++

		case strings.HasPrefix(line, patchAdd):
			op := fileOp{kind: opAdd, path: strings.TrimPrefix(line, patchAdd)}
			for i++; i < len(lines) && !isFileHeader(lines[i]); i++ {
				if !strings.HasPrefix(lines[i], "+") {
					return nil, fmt.Errorf("add %s: line %q must start with +", op.path, lines[i])
				}
				op.content = append(op.content, lines[i][1:])
			}
			ops = append(ops, op)

		case strings.HasPrefix(line, patchDelete):
			ops = append(ops, fileOp{kind: opDelete, path: strings.TrimPrefix(line, patchDelete)})
			i++

		case strings.HasPrefix(line, patchUpdate):
			op := fileOp{kind: opUpdate, path: strings.TrimPrefix(line, patchUpdate)}
			i++
			if i < len(lines) && strings.HasPrefix(strings.TrimSpace(lines[i]), patchMove) {
				op.moveTo = strings.TrimPrefix(strings.TrimSpace(lines[i]), patchMove)
				i++
			}
			var cur *hunk
			for ; i < len(lines) && !isFileHeader(lines[i]); i++ {
				l := lines[i]
				switch {
				case strings.TrimSpace(l) == patchEOF:
				case strings.HasPrefix(l, "@@"):
					op.hunks = append(op.hunks, hunk{anchor: strings.TrimSpace(strings.TrimPrefix(l, "@@"))})
					cur = &op.hunks[len(op.hunks)-1]
				default:
					if cur == nil {
						op.hunks = append(op.hunks, hunk{})
						cur = &op.hunks[len(op.hunks)-1]
					}
					if l == "" {
						cur.lines = append(cur.lines, hunkLine{op: ' '})
						continue
					}
					switch l[0] {
					case ' ', '-', '+':
						cur.lines = append(cur.lines, hunkLine{op: l[0], text: l[1:]})
					default:
						return nil, fmt.Errorf("update %s: line %q must start with space, - or +", op.path, l)
					}
				}
			}
			if len(op.hunks) == 0 && op.moveTo == "" {
				return nil, fmt.Errorf("update %s: no hunks", op.path)
			}
			ops = append(ops, op)

		default:
			return nil, fmt.Errorf("unexpected line %q", lines[i])
		}
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("patch contains no file operations")
	}
	return ops, nil
}

func isFileHeader(line string) bool {
	line = strings.TrimSpace(line)
	return strings.HasPrefix(line, patchAdd) ||
		strings.HasPrefix(line, patchDelete) ||
		strings.HasPrefix(line, patchUpdate)
}

// applyHunks applies hunks in order; each must match at or after the end of
// the previous one.
func applyHunks(path string, lines []string, hunks []hunk) ([]string, error) {
	cursor := 0
	for n, h := range hunks {
		if h.anchor != "" {
			at := findLines(lines, []string{h.anchor}, cursor)
			if at < 0 {
				return nil, fmt.Errorf("%s: hunk %d anchor %q not found", path, n+1, h.anchor)
			}
			cursor = at + 1
		}

		old, updated := h.oldNew()
		at := len(lines)
		if len(old) > 0 {
			if at = findLines(lines, old, cursor); at < 0 {
				return nil, fmt.Errorf("%s: hunk %d does not match the file", path, n+1)
			}
		} else if len(lines) > 0 && lines[len(lines)-1] == "" {
			// Pure insertions go before the trailing newline.
			at = len(lines) - 1
		}

		next := make([]string, 0, len(lines)-len(old)+len(updated))
		next = append(next, lines[:at]...)
		next = append(next, updated...)
		next = append(next, lines[at+len(old):]...)
		lines = next
		cursor = at + len(updated)
	}
	return lines, nil
}

// findLines returns the first index >= from where want occurs in lines,
// comparing exactly, then ignoring trailing whitespace, then ignoring
// surrounding whitespace.
func findLines(lines, want []string, from int) int {
	for _, norm := range []func(string) string{
		func(s string) string { return s },
		func(s string) string { return strings.TrimRight(s, " \t") },
		strings.TrimSpace,
	} {
	search:
		for i := from; i+len(want) <= len(lines); i++ {
			for j, w := range want {
				if norm(lines[i+j]) != norm(w) {
					continue search
				}
			}
			return i
		}
	}
	return -1
}

type pendingWrite struct {
	path    string
	content string
	delete  bool
}

// applyPatch validates every operation against the environment before
// writing anything.
func applyPatch(env Environment, ops []fileOp) (string, error) {
	var writes []pendingWrite
	var report []string
	for _, op := range ops {
		switch op.kind {
		case opAdd:
			content := strings.Join(op.content, "\n")
			if len(op.content) > 0 {
				content += "\n"
			}
			writes = append(writes, pendingWrite{path: op.path, content: content})
			report = append(report, "Created: "+op.path)

		case opDelete:
			if _, err := env.ReadFile(op.path); err != nil {
				return "", fmt.Errorf("delete %s: %w", op.path, err)
			}
			writes = append(writes, pendingWrite{path: op.path, delete: true})
			report = append(report, "Deleted: "+op.path)

		case opUpdate:
			original, err := env.ReadFile(op.path)
			if err != nil {
				return "", fmt.Errorf("update %s: %w", op.path, err)
			}
			lines, err := applyHunks(op.path, strings.Split(original, "\n"), op.hunks)
			if err != nil {
				return "", err
			}
			updated := strings.Join(lines, "\n")

			target := op.path
			if op.moveTo != "" {
				target = op.moveTo
				writes = append(writes, pendingWrite{path: target, content: updated}, pendingWrite{path: op.path, delete: true})
				report = append(report, fmt.Sprintf("Updated and moved: %s -> %s", op.path, target))
			} else {
				writes = append(writes, pendingWrite{path: target, content: updated})
				report = append(report, "Updated: "+op.path)
			}
			if d := diff.Diff(op.path, []byte(original), target, []byte(updated)); len(d) > 0 {
				report = append(report, string(d))
			}
		}
	}

	for _, w := range writes {
		var err error
		if w.delete {
			err = env.DeleteFile(w.path)
		} else {
			err = env.WriteFile(w.path, w.content)
		}
		if err != nil {
			return "", fmt.Errorf("write %s: %w", w.path, err)
		}
	}
	return strings.Join(report, "\n"), nil
}

func applyPatchTool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name: "apply_patch",
			Description: "Apply a v4a patch that can add, delete, update and move files in one call. " +
				"The patch is checked in full before any file is written.",
			Parameters: objectSchema(map[string]property{
				"patch": {"string", "The patch, from *** Begin Patch to *** End Patch."},
			}, "patch"),
		},
		Handler: func(ctx context.Context, args Args, env Environment) (string, error) {
			text, err := args.RequiredString("patch")
			if err != nil {
				return "", err
			}
			ops, err := parsePatch(text)
			if err != nil {
				return "", fmt.Errorf("invalid patch: %w", err)
			}
			return applyPatch(env, ops)
		},
	}
}
