package generation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/sketchdojo-rt/internal/protocol"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// replySchemaJSON constrains structured model output.
const replySchemaJSON = `{
  "type": "object",
  "properties": {
    "text": {"type": "string"},
    "tool_calls": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "tool_id": {"type": "string", "minLength": 1},
          "call_id": {"type": "string"},
          "parameters": {"type": "object"}
        },
        "required": ["tool_id"]
      }
    }
  },
  "required": ["text"]
}`

// ReplyParser turns raw model output into a Reply.
type ReplyParser struct {
	schema *jsonschema.Schema
}

func NewReplyParser() (*ReplyParser, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(replySchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("reply.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("reply.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &ReplyParser{schema: schema}, nil
}

// Parse extracts a JSON reply from text. Output without JSON, or whose JSON
// does not match the reply schema, passes through as plain text.
func (p *ReplyParser) Parse(text string) (Reply, bool) {
	plain := Reply{Text: strings.TrimSpace(text)}
	jsonStr := extractJSON(text)
	if jsonStr == "" {
		return plain, false
	}
	// Use jsonschema.UnmarshalJSON for json.Number handling, which the
	// validator requires.
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return plain, false
	}
	if err := p.schema.Validate(parsed); err != nil {
		return plain, false
	}
	var reply Reply
	if err := json.Unmarshal([]byte(jsonStr), &reply); err != nil {
		return plain, false
	}
	reply.Text = strings.TrimSpace(reply.Text)
	for i := range reply.ToolCalls {
		if reply.ToolCalls[i].Parameters == nil {
			reply.ToolCalls[i].Parameters = map[string]any{}
		}
	}
	return reply, true
}

// extractJSON finds a JSON object in the response text.
func extractJSON(text string) string {
	// 1. Fenced JSON block: ```json\n...\n```
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	// 2. Generic fenced block: ```\n...\n```
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	// 3. Raw JSON: first balanced {...}
	for i := 0; i < len(text); i++ {
		if text[i] == '{' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}
	return ""
}

func isJSON(s string) bool {
	var v map[string]any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced returns the balanced object at the start of s.
func extractBalanced(s string) string {
	if len(s) == 0 || s[0] != '{' {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}

// toolIDs lists the tools a reply asks for, for logging.
func toolIDs(calls []protocol.ToolCallSpec) []string {
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.ToolID)
	}
	return out
}
