package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runPatch(t *testing.T, reg *Registry, patch string) (string, bool) {
	t.Helper()
	args, err := json.Marshal(map[string]string{"patch": patch})
	if err != nil {
		t.Fatal(err)
	}
	return reg.Execute(context.Background(), "apply_patch", args)
}

func readBack(t *testing.T, dir, path string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, path))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestApplyPatchOnlyWhenEnabled(t *testing.T) {
	env := NewLocalEnvironment(t.TempDir())
	if _, ok := NewBuiltinRegistry(env, Options{}).Get("apply_patch"); ok {
		t.Error("apply_patch is opt-in")
	}
	reg := NewBuiltinRegistry(env, Options{ApplyPatch: true})
	names := reg.Names()
	if names[len(names)-1] != "apply_patch" {
		t.Errorf("apply_patch registers last, got %v", names)
	}
}

func TestApplyPatchOperations(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{
		"main.go":   "package main\n\nfunc main() {\n\tprintln(\"hi\")\n}\n",
		"old.txt":   "bye\n",
		"move/a.go": "package a\n\nconst X = 1\n",
	})
	reg := NewBuiltinRegistry(NewLocalEnvironment(dir), Options{ApplyPatch: true})

	out, isErr := runPatch(t, reg, `*** Begin Patch
*** Add File: docs/README.md
+# Title
+
+body
*** Delete File: old.txt
*** Update File: main.go
@@ func main() {
-	println("hi")
+	println("hello")
*** Update File: move/a.go
*** Move to: moved/a.go
@@
-const X = 1
+const X = 2
*** End Patch
`)
	if isErr {
		t.Fatalf("unexpected error: %s", out)
	}
	for _, want := range []string{
		"Created: docs/README.md",
		"Deleted: old.txt",
		"Updated: main.go",
		"Updated and moved: move/a.go -> moved/a.go",
		"+\tprintln(\"hello\")",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output:\n%s", want, out)
		}
	}

	if got := readBack(t, dir, "docs/README.md"); got != "# Title\n\nbody\n" {
		t.Errorf("added file = %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "old.txt")); !os.IsNotExist(err) {
		t.Error("old.txt should be deleted")
	}
	if got := readBack(t, dir, "main.go"); got != "package main\n\nfunc main() {\n\tprintln(\"hello\")\n}\n" {
		t.Errorf("updated file = %q", got)
	}
	if got := readBack(t, dir, "moved/a.go"); got != "package a\n\nconst X = 2\n" {
		t.Errorf("moved file = %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "move/a.go")); !os.IsNotExist(err) {
		t.Error("the source of a move should be removed")
	}
}

func TestApplyPatchIsAllOrNothing(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"a.txt": "one\ntwo\n"})
	reg := NewBuiltinRegistry(NewLocalEnvironment(dir), Options{ApplyPatch: true})

	out, isErr := runPatch(t, reg, `*** Begin Patch
*** Add File: new.txt
+created
*** Update File: a.txt
@@
-three
+four
*** End Patch`)
	if !isErr || !strings.Contains(out, "hunk 1 does not match") {
		t.Fatalf("expected a mismatch error, got %q", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "new.txt")); !os.IsNotExist(err) {
		t.Error("no file may be written when any operation fails")
	}
}

func TestParsePatchErrors(t *testing.T) {
	tests := []struct {
		name  string
		patch string
		want  string
	}{
		{"no header", "*** Update File: a\n*** End Patch", "must start with"},
		{"no footer", "*** Begin Patch\n*** Delete File: a", "must end with"},
		{"empty", "*** Begin Patch\n*** End Patch", "no file operations"},
		{"bad add line", "*** Begin Patch\n*** Add File: a\nplain\n*** End Patch", "must start with +"},
		{"bad hunk line", "*** Begin Patch\n*** Update File: a\n@@\n*bad\n*** End Patch", "must start with space"},
		{"update without hunks", "*** Begin Patch\n*** Update File: a\n*** End Patch", "no hunks"},
		{"stray line", "*** Begin Patch\nhello\n*** End Patch", "unexpected line"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parsePatch(tt.patch)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestApplyHunks(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		hunks []hunk
		want  []string
	}{
		{
			name:  "trailing whitespace tolerated",
			lines: []string{"a  ", "b", ""},
			hunks: []hunk{{lines: []hunkLine{{' ', "a"}, {'-', "b"}, {'+', "c"}}}},
			want:  []string{"a  ", "c", ""},
		},
		{
			name:  "hunks apply in order",
			lines: []string{"x", "y", "x", "y"},
			hunks: []hunk{
				{lines: []hunkLine{{'-', "y"}, {'+', "1"}}},
				{lines: []hunkLine{{'-', "y"}, {'+', "2"}}},
			},
			want: []string{"x", "1", "x", "2"},
		},
		{
			name:  "anchor selects the match",
			lines: []string{"func a() {", "\treturn", "}", "func b() {", "\treturn", "}"},
			hunks: []hunk{{anchor: "func b() {", lines: []hunkLine{{'-', "\treturn"}, {'+', "\treturn nil"}}}},
			want:  []string{"func a() {", "\treturn", "}", "func b() {", "\treturn nil", "}"},
		},
		{
			name:  "pure insertion appends before final newline",
			lines: []string{"a", ""},
			hunks: []hunk{{lines: []hunkLine{{'+', "b"}}}},
			want:  []string{"a", "b", ""},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := applyHunks("f", tt.lines, tt.hunks)
			if err != nil {
				t.Fatal(err)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := applyHunks("f", []string{"a"}, []hunk{{anchor: "missing"}}); err == nil {
		t.Error("expected an error for a missing anchor")
	}
}
