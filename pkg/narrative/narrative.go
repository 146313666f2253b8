// Package narrative defines the AI Narrative Provider contract: the structured
// delta a provider must return for each turn, payload validation, and a
// registry of provider factories. Providers are untrusted; everything they
// return passes through schema validation here and the game transition rules
// before it can touch session state.
package narrative

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/seancelabs/seance/pkg/game"
)

// Request carries everything a provider needs to continue one session.
type Request struct {
	SessionID  string
	Turn       int
	ActionID   string
	ActionText string
	ActionKind string
	// Digest is the ordered, token-budgeted history of prior turns.
	Digest string
	Rules  []string
	Items  []game.Item
	Sanity int
	// Balance carries tunable game-balance parameters as free-form JSON.
	Balance []byte
}

// Result is a validated provider response plus the raw payload for the
// turn record.
type Result struct {
	Delta game.Delta
	Raw   []byte
}

// Provider produces one narrative delta per turn.
type Provider interface {
	Name() string
	NextTurn(ctx context.Context, req Request) (Result, error)
}

// Factory constructs a Provider from provider-specific config.
type Factory func(ctx context.Context, cfg map[string]any) (Provider, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a provider factory under a name.
func Register(name string, f Factory) error {
	if name == "" {
		return fmt.Errorf("narrative: empty provider name")
	}
	if f == nil {
		return fmt.Errorf("narrative: nil factory for %q", name)
	}
	regMu.Lock()
	defer regMu.Unlock()
	if _, exists := factories[name]; exists {
		return fmt.Errorf("narrative: provider %q already registered", name)
	}
	factories[name] = f
	return nil
}

// Resolve gets a registered factory by name.
func Resolve(name string) (Factory, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// CallTimeout bounds a single provider invocation.
const CallTimeout = 60 * time.Second

// Call invokes the provider with a bounded timeout and a single retry.
// Any failure after the retry fails the whole turn.
func Call(ctx context.Context, p Provider, req Request, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = CallTimeout
	}
	attempt := func() (Result, error) {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return p.NextTurn(cctx, req)
	}
	res, err := attempt()
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return Result{}, err
	}
	res, retryErr := attempt()
	if retryErr != nil {
		return Result{}, fmt.Errorf("provider %s failed after retry: %w", p.Name(), retryErr)
	}
	return res, nil
}
