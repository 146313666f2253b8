// Package fake provides a scripted narrative provider for tests and local
// runs without an API key.
package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/seancelabs/seance/pkg/game"
	"github.com/seancelabs/seance/pkg/narrative"
)

// Provider replays a fixed script of deltas, one per call, and repeats the
// last entry when the script runs out. Err, when set, fails every call.
type Provider struct {
	mu     sync.Mutex
	Script []game.Delta
	Err    error
	Calls  int
}

// New returns a provider with a minimal always-valid default script.
func New(script ...game.Delta) *Provider {
	if len(script) == 0 {
		script = []game.Delta{defaultDelta()}
	}
	return &Provider{Script: script}
}

func defaultDelta() game.Delta {
	return game.Delta{
		Narrative:    "The corridor stretches on. Something shuffles behind the wall.",
		SanityChange: -5,
		Location:     "corridor",
		Choices: []game.Choice{
			{ID: "run", Text: "Run", Kind: "move"},
			{ID: "hide", Text: "Hide", Kind: "wait"},
			{ID: "listen", Text: "Press an ear to the wall", Kind: "investigate"},
		},
	}
}

func (p *Provider) Name() string { return "fake" }

func (p *Provider) NextTurn(ctx context.Context, req narrative.Request) (narrative.Result, error) {
	if err := ctx.Err(); err != nil {
		return narrative.Result{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		p.Calls++
		return narrative.Result{}, p.Err
	}
	i := p.Calls
	if i >= len(p.Script) {
		i = len(p.Script) - 1
	}
	p.Calls++
	d := p.Script[i]
	raw, err := json.Marshal(d)
	if err != nil {
		return narrative.Result{}, fmt.Errorf("fake: %w", err)
	}
	return narrative.Result{Delta: d, Raw: raw}, nil
}

// Factory registers the fake provider so it can be selected by config.
func Factory(ctx context.Context, cfg map[string]any) (narrative.Provider, error) {
	_ = ctx
	_ = cfg
	return New(), nil
}

func init() {
	_ = narrative.Register("fake", Factory)
}
