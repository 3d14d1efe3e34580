// Package staging implements the staged-mutation protocol: a proposed
// filesystem change is encoded as a single line of wire text, queued per
// session, and only executed once the human confirms that exact action.
package staging

import (
	"strings"
)

// Marker opens every staged-action line. Text that does not start with it is
// never treated as a staged action.
const Marker = "STAGED_ACTION"

const separator = "->"

// Tool names understood by the codec.
const (
	ToolCreateDirectory = "create_directory"
	ToolMoveFile        = "move_file"
	ToolRenameFile      = "rename_file"
)

// Arg is one named argument of a staged action, in declaration order.
type Arg struct {
	Key   string
	Value string
}

// Action is a proposed mutation awaiting confirmation. Implementations are
// small comparable structs; the fields hold the caller's original strings,
// never canonicalized paths, so the human reviews exactly what was asked.
type Action interface {
	Tool() string
	Args() []Arg
}

type CreateDirectory struct {
	Path string
}

func (a CreateDirectory) Tool() string { return ToolCreateDirectory }
func (a CreateDirectory) Args() []Arg  { return []Arg{{Key: "folder_path", Value: a.Path}} }

type Move struct {
	Source string
	Dest   string
}

func (a Move) Tool() string { return ToolMoveFile }
func (a Move) Args() []Arg {
	return []Arg{{Key: "source_path", Value: a.Source}, {Key: "destination_path", Value: a.Dest}}
}

type Rename struct {
	Old string
	New string
}

func (a Rename) Tool() string { return ToolRenameFile }
func (a Rename) Args() []Arg {
	return []Arg{{Key: "old_path", Value: a.Old}, {Key: "new_path", Value: a.New}}
}

// Encode renders a as wire text:
//
//	STAGED_ACTION: move_file -> source_path='/a', destination_path='/b'
func Encode(a Action) string {
	return Marker + ": " + a.Tool() + " " + separator + " " + encodeArgs(a)
}

// EncodeWithNote appends a parenthetical annotation after the fields, e.g.
// a warning about side effects. Decode strips the annotation.
func EncodeWithNote(a Action, note string) string {
	if note == "" {
		return Encode(a)
	}
	return Encode(a) + " (" + note + ")"
}

func encodeArgs(a Action) string {
	var b strings.Builder
	for i, arg := range a.Args() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(arg.Key)
		b.WriteString("='")
		b.WriteString(arg.Value)
		b.WriteString("'")
	}
	return b.String()
}

// Describe renders a without the wire marker, for human-facing queue lists.
func Describe(a Action) string {
	return a.Tool() + " " + encodeArgs(a)
}

// Decode parses wire text back into an Action. It is the exact inverse of
// Encode for any value Encode can produce whose fields are free of quote
// characters. A trailing parenthetical annotation is tolerated. Malformed
// input of any kind returns ok=false; callers treat that as "not a staged
// action" and move on.
func Decode(s string) (Action, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, Marker+":") {
		return nil, false
	}
	rest := strings.TrimSpace(s[len(Marker)+1:])

	sep := strings.Index(rest, separator)
	if sep < 0 {
		return nil, false
	}
	tool := strings.TrimSpace(rest[:sep])
	if tool == "" || strings.ContainsAny(tool, " \t") {
		return nil, false
	}

	args, ok := parseArgs(rest[sep+len(separator):])
	if !ok || len(args) == 0 {
		return nil, false
	}

	return fromParts(tool, args)
}

// parseArgs scans key='value' pairs separated by commas. Values may be
// single- or double-quoted and may contain commas and parentheses. A bare
// trailing "(...)" after the last pair is an annotation and is ignored.
func parseArgs(s string) (map[string]string, bool) {
	args := make(map[string]string)
	i := 0
	n := len(s)

	skipSpace := func() {
		for i < n && (s[i] == ' ' || s[i] == '\t') {
			i++
		}
	}

	for {
		skipSpace()
		if i >= n {
			break
		}
		if s[i] == '(' {
			// Trailing annotation: valid only after at least one pair.
			if len(args) == 0 {
				return nil, false
			}
			break
		}

		start := i
		for i < n && s[i] != '=' {
			i++
		}
		if i >= n {
			return nil, false
		}
		key := strings.TrimSpace(s[start:i])
		if key == "" || strings.ContainsAny(key, " \t,'\"()") {
			return nil, false
		}
		i++ // consume '='

		if i >= n || (s[i] != '\'' && s[i] != '"') {
			return nil, false
		}
		quote := s[i]
		i++
		vstart := i
		for i < n && s[i] != quote {
			i++
		}
		if i >= n {
			return nil, false // unterminated value
		}
		args[key] = s[vstart:i]
		i++ // consume closing quote

		skipSpace()
		if i < n && s[i] == ',' {
			i++
			continue
		}
	}

	return args, true
}

// fromParts maps a tool name and its parsed arguments onto the closed set of
// action variants. Unknown tools and missing keys are malformed.
func fromParts(tool string, args map[string]string) (Action, bool) {
	switch tool {
	case ToolCreateDirectory:
		path, ok := args["folder_path"]
		if !ok {
			return nil, false
		}
		return CreateDirectory{Path: path}, true
	case ToolMoveFile:
		src, ok1 := args["source_path"]
		dst, ok2 := args["destination_path"]
		if !ok1 || !ok2 {
			return nil, false
		}
		return Move{Source: src, Dest: dst}, true
	case ToolRenameFile:
		oldPath, ok1 := args["old_path"]
		newPath, ok2 := args["new_path"]
		if !ok1 || !ok2 {
			return nil, false
		}
		return Rename{Old: oldPath, New: newPath}, true
	default:
		return nil, false
	}
}
