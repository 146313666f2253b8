// Package gemini implements the narrative provider on the Gemini API.
package gemini

import (
	"context"
	"fmt"
	"os"

	genai "google.golang.org/genai"

	"github.com/seancelabs/seance/pkg/narrative"
)

const defaultModel = "gemini-2.5-flash-lite"

type provider struct {
	client *genai.Client
	model  string
}

func (p *provider) Name() string { return "gemini" }

func (p *provider) NextTurn(ctx context.Context, req narrative.Request) (narrative.Result, error) {
	prompt, err := narrative.BuildPrompt(req)
	if err != nil {
		return narrative.Result{}, err
	}
	parts := []*genai.Part{{Text: prompt}}
	res, err := p.client.Models.GenerateContent(ctx, p.model, []*genai.Content{{Parts: parts}}, nil)
	if err != nil {
		return narrative.Result{}, fmt.Errorf("gemini: %w", err)
	}
	delta, raw, err := narrative.DecodeDelta([]byte(res.Text()))
	if err != nil {
		return narrative.Result{}, err
	}
	return narrative.Result{Delta: delta, Raw: raw}, nil
}

// Factory creates the Gemini provider using GOOGLE_API_KEY by default.
// cfg keys: api_key, model.
func Factory(ctx context.Context, cfg map[string]any) (narrative.Provider, error) {
	apiKey := os.Getenv("GOOGLE_API_KEY")
	if v, ok := cfg["api_key"].(string); ok && v != "" {
		apiKey = v
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: missing API key; set GOOGLE_API_KEY or cfg.api_key")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, err
	}
	model := defaultModel
	if v, ok := cfg["model"].(string); ok && v != "" {
		model = v
	}
	return &provider{client: client, model: model}, nil
}

func init() {
	_ = narrative.Register("gemini", Factory)
}
