package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/shsh-pilot/internal/agent"
)

// Parser turns raw model text into a typed agent response. Narration is the
// text before the marker; the payload is the JSON object after it.
type Parser struct {
	marker string
}

// NewParser creates a Parser for marker. An empty marker means
// agent.DefaultMarker.
func NewParser(marker string) *Parser {
	if marker == "" {
		marker = agent.DefaultMarker
	}
	return &Parser{marker: marker}
}

// Parse never fails. A missing or malformed payload yields a response with
// no commands whose message is the best text available.
func (p *Parser) Parse(raw string) agent.ParseResult {
	narration, payload := p.split(raw)
	narration = strings.TrimSpace(narration)

	obj, ok := decodeObject(payload)
	if !ok {
		msg := narration
		if msg == "" {
			msg = strings.TrimSpace(raw)
		}
		return agent.ParseResult{Response: agent.Response{Message: msg}, Narration: narration}
	}

	resp := agent.Response{
		Message: coerceString(obj["message"]),
		Intent:  coerceString(obj["intent"]),
		Action:  coerceString(obj["action"]),
		Done:    coerceBool(obj["done"]),
		Plan:    coerceSteps(obj["plan"]),
	}
	if len(resp.Plan) > agent.MaxPlanSteps {
		resp.Plan = resp.Plan[:agent.MaxPlanSteps]
	}
	cmds := obj["commands"]
	if cmds == nil {
		cmds = obj["command"]
	}
	resp.Commands = coerceProposals(cmds)
	return agent.ParseResult{Response: resp, Narration: narration}
}

// split separates narration from the payload. Without the marker it falls
// back to a fenced block or to the last top-level object in the text.
func (p *Parser) split(raw string) (string, string) {
	if i := strings.Index(raw, p.marker); i >= 0 {
		return raw[:i], raw[i+len(p.marker):]
	}
	if i := strings.Index(raw, "```"); i >= 0 {
		return raw[:i], raw[i:]
	}
	if i := strings.LastIndex(raw, "\n{"); i >= 0 && strings.HasSuffix(strings.TrimSpace(raw), "}") {
		return raw[:i], raw[i+1:]
	}
	if strings.HasPrefix(strings.TrimSpace(raw), "{") {
		return "", raw
	}
	return raw, ""
}

func decodeObject(payload string) (map[string]any, bool) {
	payload = extractJSON(payload)
	if payload == "" {
		return nil, false
	}
	obj := map[string]any{}
	if err := json.Unmarshal([]byte(payload), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// extractJSON strips code fences and returns the outermost object.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[:i]
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

func coerceProposals(v any) []agent.Proposal {
	var items []any
	switch t := v.(type) {
	case []any:
		items = t
	case map[string]any, string:
		items = []any{t}
	default:
		return nil
	}

	out := make([]agent.Proposal, 0, len(items))
	for _, item := range items {
		var prop agent.Proposal
		switch t := item.(type) {
		case string:
			prop.Command = strings.TrimSpace(t)
		case map[string]any:
			prop = agent.Proposal{
				ID:               coerceString(t["id"]),
				Command:          coerceString(t["command"]),
				Rationale:        firstString(t, "rationale", "reason", "description"),
				Risk:             agent.ParseRisk(strings.ToLower(coerceString(t["risk"]))),
				RequiresApproval: coerceBool(t["requiresApproval"]) || coerceBool(t["requires_approval"]),
				Interactive:      coerceBool(t["interactive"]),
			}
		}
		if prop.Command == "" {
			continue
		}
		out = append(out, prop)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func coerceSteps(v any) []string {
	switch t := v.(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return []string{s}
		}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			var s string
			if m, ok := item.(map[string]any); ok {
				s = firstString(m, "description", "step", "title")
			} else {
				s = coerceString(item)
			}
			if s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := coerceString(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func coerceString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64, bool:
		return fmt.Sprintf("%v", t)
	default:
		return ""
	}
}

func coerceBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "1":
			return true
		}
	case float64:
		return t != 0
	}
	return false
}
