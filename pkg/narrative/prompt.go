package narrative

import (
	"bytes"
	_ "embed"
	"text/template"
)

//go:embed prompts/turn.txt
var turnPrompt string

var turnTmpl = template.Must(template.New("turn").Parse(turnPrompt))

// BuildPrompt renders the turn prompt for a request. Shared by all providers
// so the wire contract stays identical regardless of backend.
func BuildPrompt(req Request) (string, error) {
	var buf bytes.Buffer
	if err := turnTmpl.Execute(&buf, req); err != nil {
		return "", err
	}
	return buf.String(), nil
}
