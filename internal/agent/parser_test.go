package agent

import "testing"

// --- extractToolCallsFromContent ---

func TestExtractToolCalls_SingleObject(t *testing.T) {
	input := `{"name": "list_directory", "arguments": {"folder_path": "/data"}}`
	calls := extractToolCallsFromContent(input)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "list_directory" {
		t.Fatalf("expected 'list_directory', got %q", calls[0].Name)
	}
	if calls[0].Arguments["folder_path"] != "/data" {
		t.Fatalf("unexpected args: %v", calls[0].Arguments)
	}
}

func TestExtractToolCalls_ToolArgsVariant(t *testing.T) {
	input := `{"tool": "move_file", "args": {"source_path": "/data/a", "destination_path": "/data/b"}}`
	calls := extractToolCallsFromContent(input)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "move_file" {
		t.Fatalf("expected 'move_file', got %q", calls[0].Name)
	}
	if calls[0].Arguments["source_path"] != "/data/a" {
		t.Fatalf("unexpected args: %v", calls[0].Arguments)
	}
}

func TestExtractToolCalls_ParametersField(t *testing.T) {
	input := `{"name": "read_file", "parameters": {"file_path": "/tmp/test.txt"}}`
	calls := extractToolCallsFromContent(input)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Arguments["file_path"] != "/tmp/test.txt" {
		t.Fatalf("expected file_path, got %v", calls[0].Arguments)
	}
}

func TestExtractToolCalls_Array(t *testing.T) {
	input := `[{"name": "list_directory", "arguments": {"folder_path": "/a"}}, {"name": "list_directory", "arguments": {"folder_path": "/b"}}]`
	calls := extractToolCallsFromContent(input)
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
}

func TestExtractToolCalls_CodeFenceWrapped(t *testing.T) {
	input := "```json\n{\"name\": \"file_metadata\", \"arguments\": {\"file_path\": \"/data/x\"}}\n```"
	calls := extractToolCallsFromContent(input)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call from code fence, got %d", len(calls))
	}
	if calls[0].Name != "file_metadata" {
		t.Fatalf("expected 'file_metadata', got %q", calls[0].Name)
	}
}

func TestExtractToolCalls_SurroundingText(t *testing.T) {
	input := "Sure, I'll list it.\n{\"name\": \"list_directory\", \"arguments\": {\"folder_path\": \"/data\"}}\nOne moment."
	calls := extractToolCallsFromContent(input)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call from mixed text, got %d", len(calls))
	}
}

func TestExtractToolCalls_PlainText(t *testing.T) {
	if calls := extractToolCallsFromContent("Sure, let me help you with that!"); len(calls) != 0 {
		t.Fatalf("expected 0 calls for plain text, got %d", len(calls))
	}
}

func TestExtractToolCalls_EmptyName(t *testing.T) {
	if calls := extractToolCallsFromContent(`{"name": "", "arguments": {}}`); len(calls) != 0 {
		t.Fatalf("expected 0 calls for empty name, got %d", len(calls))
	}
}

func TestExtractToolCalls_NilArguments(t *testing.T) {
	calls := extractToolCallsFromContent(`{"name": "list_directory"}`)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Arguments == nil {
		t.Fatal("arguments should be initialized to empty map")
	}
}

func TestExtractToolCalls_AliasNormalization(t *testing.T) {
	cases := map[string]string{
		"mkdir":       "create_directory",
		"move-file":   "move_file",
		"Rename":      "rename_file",
		"listdir":     "list_directory",
		"readfile":    "read_file",
		"stat":        "file_metadata",
		"move_file":   "move_file",
		"unknown_xyz": "unknown_xyz",
	}
	for alias, want := range cases {
		calls := extractToolCallsFromContent(`{"name": "` + alias + `", "arguments": {}}`)
		if len(calls) != 1 || calls[0].Name != want {
			t.Errorf("alias %q: got %v, want name %q", alias, calls, want)
		}
	}
}

// --- sanitizeJSONEscapes ---

func TestSanitizeJSONEscapes(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"valid json unchanged", `{"key": "value with \"quotes\" and \\backslash"}`, `{"key": "value with \"quotes\" and \\backslash"}`},
		{"invalid escape dropped", `{"key": "100\% done"}`, `{"key": "100% done"}`},
		{"multiple invalid", `{"msg": "Hello \World \! \?"}`, `{"msg": "Hello World ! ?"}`},
		{"valid escapes kept", `{"text": "line1\nline2\ttab"}`, `{"text": "line1\nline2\ttab"}`},
		{"empty", "", ""},
		{"no strings", `{}`, `{}`},
	}
	for _, c := range cases {
		if got := sanitizeJSONEscapes(c.in); got != c.want {
			t.Errorf("%s: got %q, want %q", c.name, got, c.want)
		}
	}
}

func TestExtractToolCalls_WithInvalidEscapes(t *testing.T) {
	input := `{"name": "read_file", "arguments": {"file_path": "/data/100\%"}}`
	calls := extractToolCallsFromContent(input)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call after sanitization, got %d", len(calls))
	}
	if calls[0].Name != "read_file" {
		t.Fatalf("expected 'read_file', got %q", calls[0].Name)
	}
}

// --- stripRolePrefix ---

func TestStripRolePrefix(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"assistant\nHello", "Hello"},
		{"Assistant: Hello", "Hello"},
		{"Hello", "Hello"},
		{"", ""},
	}
	for _, c := range cases {
		if got := stripRolePrefix(c.in); got != c.want {
			t.Errorf("stripRolePrefix(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
