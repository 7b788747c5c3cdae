package llm

import (
	"strings"
	"text/template"

	"github.com/ashureev/shsh-pilot/internal/agent"
)

const promptTemplate = `You are a careful shell assistant working inside a live Linux session.
The user delegated this goal to you:

{{.Goal}}

You are on step {{.Step}}. Propose at most one shell command per reply and wait
for its result before proposing the next one. Never repeat a command that already
succeeded; move on or report that the goal is met.
{{- if .Steps}}

Current plan:
{{- range $i, $s := .Steps}}
{{inc $i}}. [{{$s.Status}}] {{$s.Description}}
{{- end}}
{{- end}}
{{- if .Note}}

Context from the previous step:
{{.Note}}
{{- end}}

Reply with a short explanation for the user, then the marker {{.Marker}} followed by
a single JSON object:
{"message": string, "intent": string, "plan": [string], "done": bool,
 "commands": [{"command": string, "rationale": string, "risk": "low"|"medium"|"high",
 "requiresApproval": bool, "interactive": bool}]}
Send "plan" only on the first step. Set "done" to true with no commands when the goal is met.
`

// PromptBuilder renders the turn prompt from a template.
type PromptBuilder struct {
	marker string
	tmpl   *template.Template
}

// NewPromptBuilder creates a PromptBuilder that asks for payloads after
// marker.
func NewPromptBuilder(marker string) *PromptBuilder {
	if marker == "" {
		marker = agent.DefaultMarker
	}
	tmpl := template.Must(template.New("prompt").Funcs(template.FuncMap{
		"inc": func(i int) int { return i + 1 },
	}).Parse(promptTemplate))
	return &PromptBuilder{marker: marker, tmpl: tmpl}
}

// Build implements agent.PromptBuilder.
func (b *PromptBuilder) Build(in agent.PromptInput) string {
	var sb strings.Builder
	data := struct {
		agent.PromptInput
		Marker string
	}{in, b.marker}
	if err := b.tmpl.Execute(&sb, data); err != nil {
		// The template is fixed; a failure here means a programming error.
		panic(err)
	}
	return sb.String()
}
