// Package openai implements the narrative provider on the OpenAI chat API.
package openai

import (
	"context"
	"fmt"
	"os"

	oa "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"github.com/seancelabs/seance/pkg/narrative"
)

const defaultModel = "gpt-5-nano"

type provider struct {
	client oa.Client
	model  string
}

func (p *provider) Name() string { return "openai" }

func (p *provider) NextTurn(ctx context.Context, req narrative.Request) (narrative.Result, error) {
	prompt, err := narrative.BuildPrompt(req)
	if err != nil {
		return narrative.Result{}, err
	}
	resp, err := p.client.Chat.Completions.New(ctx, oa.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []oa.ChatCompletionMessageParamUnion{
			oa.SystemMessage("You respond with a single valid JSON object only."),
			oa.UserMessage(prompt),
		},
	})
	if err != nil {
		return narrative.Result{}, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return narrative.Result{}, fmt.Errorf("openai: empty completion")
	}
	delta, raw, err := narrative.DecodeDelta([]byte(resp.Choices[0].Message.Content))
	if err != nil {
		return narrative.Result{}, err
	}
	return narrative.Result{Delta: delta, Raw: raw}, nil
}

// Factory creates the OpenAI provider. cfg keys: api_key, model.
func Factory(ctx context.Context, cfg map[string]any) (narrative.Provider, error) {
	_ = ctx
	apiKey := os.Getenv("OPENAI_API_KEY")
	if v, ok := cfg["api_key"].(string); ok && v != "" {
		apiKey = v
	}
	if apiKey == "" {
		return nil, fmt.Errorf("openai: missing API key; set OPENAI_API_KEY or cfg.api_key")
	}
	model := defaultModel
	if v, ok := cfg["model"].(string); ok && v != "" {
		model = v
	}
	return &provider{client: oa.NewClient(option.WithAPIKey(apiKey)), model: model}, nil
}

func init() {
	_ = narrative.Register("openai", Factory)
}
