package pipeline

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Mode is the execution mode of a group.
type Mode int

const (
	Serial Mode = iota
	Parallel
)

func (m Mode) String() string {
	if m == Parallel {
		return "parallel"
	}
	return "serial"
}

func (m Mode) flip() Mode {
	if m == Serial {
		return Parallel
	}
	return Serial
}

// Step is one element of a pipeline: *Command, *Group, *Transform or
// JSONObject.
type Step interface {
	step()
}

// Command issues a sub-request.
type Command struct {
	Try       bool
	Condition string
	// Method is empty when the running message's method is reused.
	Method string
	URL    string
	Name   string
}

// Group is a list of steps run serially or in parallel.
type Group struct {
	Mode  Mode
	Steps []Step
}

// Transform builds a new JSON body from a template.
type Transform struct {
	Template map[string]any
}

// JSONObject collapses the named results into one JSON object.
type JSONObject struct{}

func (*Command) step()   {}
func (*Group) step()     {}
func (*Transform) step() {}
func (JSONObject) step() {}

// Pipeline is a parsed pipeline ready to run.
type Pipeline struct {
	Root *Group
}

// Empty reports whether running the pipeline would do nothing.
func (p *Pipeline) Empty() bool {
	return p == nil || p.Root == nil || len(p.Root.Steps) == 0
}

// Parse builds a pipeline from its JSON form. A nil or empty spec parses to
// an empty pipeline.
func Parse(spec []any) (*Pipeline, error) {
	root, err := parseGroup(spec, Serial)
	if err != nil {
		return nil, err
	}
	return &Pipeline{Root: root}, nil
}

// ParseJSON parses a pipeline from raw JSON.
func ParseJSON(data []byte) (*Pipeline, error) {
	var spec []any
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("decode pipeline: %w", err)
	}
	return Parse(spec)
}

// Concat joins pipelines into one serial pipeline. Nil parts are skipped.
func Concat(parts ...[]any) []any {
	var out []any
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func parseGroup(spec []any, mode Mode) (*Group, error) {
	g := &Group{Mode: mode}
	for i, raw := range spec {
		if i == 0 {
			if s, ok := raw.(string); ok {
				switch strings.TrimSpace(s) {
				case "serial":
					g.Mode = Serial
					continue
				case "parallel":
					g.Mode = Parallel
					continue
				}
			}
		}
		st, err := parseStep(raw, g.Mode)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		g.Steps = append(g.Steps, st)
	}
	return g, nil
}

func parseStep(raw any, parent Mode) (Step, error) {
	switch v := raw.(type) {
	case string:
		s := strings.TrimSpace(v)
		switch s {
		case "jsonObject":
			return JSONObject{}, nil
		case "next", "end", "serial", "parallel":
			return nil, fmt.Errorf("pseudo-step %q is not supported here", s)
		}
		return ParseCommand(s)
	case []any:
		return parseGroup(v, parent.flip())
	case map[string]any:
		return &Transform{Template: v}, nil
	default:
		return nil, fmt.Errorf("unsupported step type %T", raw)
	}
}

var httpMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// ParseCommand parses "[try] [if (<expr>)] [METHOD] <url> [:name]".
func ParseCommand(s string) (*Command, error) {
	cmd := &Command{}
	rest := strings.TrimSpace(s)
	if rest == "" {
		return nil, fmt.Errorf("empty command")
	}

	if word, after := nextWord(rest); word == "try" {
		cmd.Try = true
		rest = after
	}

	if strings.HasPrefix(rest, "if") {
		after := strings.TrimSpace(rest[2:])
		if strings.HasPrefix(after, "(") {
			cond, remaining, err := balancedParens(after)
			if err != nil {
				return nil, fmt.Errorf("command %q: %w", s, err)
			}
			cmd.Condition = cond
			rest = strings.TrimSpace(remaining)
		}
	}

	word, after := nextWord(rest)
	if httpMethods[strings.ToUpper(word)] && word == strings.ToUpper(word) {
		cmd.Method = word
		rest = after
	}

	cmd.URL, rest = nextWord(rest)
	if cmd.URL == "" {
		return nil, fmt.Errorf("command %q has no url", s)
	}

	if name, after := nextWord(rest); name != "" {
		if !strings.HasPrefix(name, ":") || len(name) == 1 {
			return nil, fmt.Errorf("command %q: unexpected %q", s, name)
		}
		cmd.Name = name[1:]
		if strings.TrimSpace(after) != "" {
			return nil, fmt.Errorf("command %q: trailing text %q", s, after)
		}
	}
	return cmd, nil
}

func nextWord(s string) (string, string) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i], strings.TrimSpace(s[i:])
	}
	return s, ""
}

// balancedParens returns the content of the leading parenthesised group
// and the text after it. Quoted strings may contain parens.
func balancedParens(s string) (string, string, error) {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				return strings.TrimSpace(s[1:i]), s[i+1:], nil
			}
		}
	}
	return "", "", fmt.Errorf("unbalanced parentheses in condition")
}
