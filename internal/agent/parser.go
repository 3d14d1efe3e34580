package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"fsbot/internal/domain"
)

// extractToolCallsFromContent attempts to parse tool calls from LLM content
// text. Some models (especially smaller ones) return tool calls as JSON in
// the content instead of using the structured tool_calls field. Handles
// several patterns:
//   - Pure JSON: `{"name":"move_file","arguments":{...}}`
//   - `{"tool":"move_file","args":{...}}` variants
//   - Code-fenced: ```json\n{...}\n```
//   - Prefixed text: `assistant\n{"name":...}` (common with llama models)
//   - Mixed text: `Sure.\n{"name":...}\nLet me do that.`
func extractToolCallsFromContent(content string) []domain.ToolCall {
	content = strings.TrimSpace(content)

	// Strip markdown code fences if present.
	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		if len(lines) >= 3 && strings.HasPrefix(lines[len(lines)-1], "```") {
			content = strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
		}
	}

	// Fast path: try full content as JSON.
	if calls := tryParseToolJSON(content); len(calls) > 0 {
		return calls
	}

	// Fallback: find JSON object/array boundaries within surrounding text.
	if start, end := findJSONBounds(content); start >= 0 && end > start {
		if calls := tryParseToolJSON(content[start:end]); len(calls) > 0 {
			return calls
		}
	}

	return nil
}

// findJSONBounds locates the first top-level JSON object ({}) or array ([])
// in s. Returns the start index and end+1 index, or (-1, -1) if not found.
func findJSONBounds(s string) (int, int) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return -1, -1
	}

	openChar := s[start]
	var closeChar byte
	if openChar == '{' {
		closeChar = '}'
	} else {
		closeChar = ']'
	}

	depth := 0
	inStr := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inStr {
			if ch == '\\' {
				i++ // skip escaped character
				continue
			}
			if ch == '"' {
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case openChar:
			depth++
		case closeChar:
			depth--
			if depth == 0 {
				return start, i + 1
			}
		}
	}
	return -1, -1
}

// rawToolCall covers the JSON shapes models produce for a tool call.
type rawToolCall struct {
	Name       string         `json:"name"`
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
	Arguments  map[string]any `json:"arguments"`
	Args       map[string]any `json:"args"`
}

func (r rawToolCall) toolName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Tool
}

func (r rawToolCall) arguments() map[string]any {
	for _, m := range []map[string]any{r.Arguments, r.Args, r.Parameters} {
		if m != nil {
			return m
		}
	}
	return make(map[string]any)
}

// tryParseToolJSON attempts to parse raw as a single tool call object or an
// array of them.
func tryParseToolJSON(raw string) []domain.ToolCall {
	var single rawToolCall
	text := raw
	if err := json.Unmarshal([]byte(text), &single); err != nil {
		text = sanitizeJSONEscapes(text)
		_ = json.Unmarshal([]byte(text), &single)
	}
	if name := single.toolName(); name != "" {
		return []domain.ToolCall{{
			ID:        fmt.Sprintf("extracted_%d", time.Now().UnixNano()),
			Name:      normalizeToolName(name),
			Arguments: single.arguments(),
		}}
	}

	var multi []rawToolCall
	if err := json.Unmarshal([]byte(text), &multi); err != nil {
		_ = json.Unmarshal([]byte(sanitizeJSONEscapes(raw)), &multi)
	}
	var calls []domain.ToolCall
	for i, tc := range multi {
		name := tc.toolName()
		if name == "" {
			continue
		}
		calls = append(calls, domain.ToolCall{
			ID:        fmt.Sprintf("extracted_%d_%d", time.Now().UnixNano(), i),
			Name:      normalizeToolName(name),
			Arguments: tc.arguments(),
		})
	}
	return calls
}

// normalizeToolName maps common model-generated name variations onto the
// registered tool names. Smaller models often drop underscores or use
// hyphens.
func normalizeToolName(name string) string {
	aliases := map[string]string{
		"createdirectory":  "create_directory",
		"create-directory": "create_directory",
		"create_dir":       "create_directory",
		"mkdir":            "create_directory",
		"movefile":         "move_file",
		"move-file":        "move_file",
		"move":             "move_file",
		"renamefile":       "rename_file",
		"rename-file":      "rename_file",
		"rename":           "rename_file",
		"listdirectory":    "list_directory",
		"list-directory":   "list_directory",
		"list_dir":         "list_directory",
		"listdir":          "list_directory",
		"readfile":         "read_file",
		"read-file":        "read_file",
		"filemetadata":     "file_metadata",
		"file-metadata":    "file_metadata",
		"stat":             "file_metadata",
	}
	if mapped, ok := aliases[strings.ToLower(name)]; ok {
		return mapped
	}
	return name
}

// stripRolePrefix removes role-name prefixes that some LLMs (especially
// smaller Ollama models) leak into their content. Examples:
// "assistant\nHello" → "Hello", "Assistant: Hello" → "Hello".
func stripRolePrefix(content string) string {
	prefixes := []string{
		"assistant\n",
		"Assistant\n",
		"assistant:\n",
		"Assistant:\n",
		"assistant: ",
		"Assistant: ",
	}
	trimmed := content
	for _, p := range prefixes {
		if strings.HasPrefix(trimmed, p) {
			trimmed = strings.TrimSpace(trimmed[len(p):])
			break
		}
	}
	return trimmed
}

// sanitizeJSONEscapes fixes invalid JSON escape sequences produced by some
// LLMs. Valid JSON escapes: \", \\, \/, \b, \f, \n, \r, \t, \uXXXX. Invalid
// ones (e.g. \% or \Y) are corrected by dropping the backslash.
func sanitizeJSONEscapes(s string) string {
	var buf strings.Builder
	buf.Grow(len(s))
	inString := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '"' && (i == 0 || s[i-1] != '\\') {
			inString = !inString
			buf.WriteByte(ch)
			continue
		}
		if inString && ch == '\\' && i+1 < len(s) {
			next := s[i+1]
			switch next {
			case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u':
				buf.WriteByte(ch) // valid escape, keep the backslash
			default:
				continue // invalid escape, drop the backslash
			}
		} else {
			buf.WriteByte(ch)
		}
	}
	return buf.String()
}
