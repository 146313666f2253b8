// Package digest builds the ordered history digest sent to the narrative
// provider, trimmed to a token budget from the oldest entry down.
package digest

import (
	"fmt"
	"strings"
)

// Entry is one prior turn as seen by the provider.
type Entry struct {
	Turn      int
	Action    string
	Narrative string
}

func (e Entry) render() string {
	return fmt.Sprintf("Turn %d, player: %s\n%s", e.Turn, e.Action, e.Narrative)
}

// TokenEstimator estimates token usage of text content.
type TokenEstimator func(text string) int

// Builder assembles digests under a fixed token budget.
type Builder struct {
	estimate  TokenEstimator
	maxTokens int
}

// Option configures the Builder.
type Option func(*Builder)

// WithTokenEstimator sets the token estimator. Defaults to rune length / 4,
// a crude approximation good enough when no encoder is available.
func WithTokenEstimator(est TokenEstimator) Option {
	return func(b *Builder) {
		if est != nil {
			b.estimate = est
		}
	}
}

// WithMaxTokens sets the token budget. Defaults to 4096.
func WithMaxTokens(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.maxTokens = n
		}
	}
}

// New creates a Builder.
func New(opts ...Option) *Builder {
	b := &Builder{
		estimate:  func(s string) int { return (len([]rune(s)) + 3) / 4 },
		maxTokens: 4096,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build renders entries oldest-first, dropping from the front until the
// remainder fits the budget. The most recent turn is always kept, truncated
// if it alone exceeds the budget. Chronological order is never reordered.
func (b *Builder) Build(entries []Entry) string {
	if len(entries) == 0 {
		return "(the story has just begun)"
	}

	rendered := make([]string, len(entries))
	costs := make([]int, len(entries))
	total := 0
	for i, e := range entries {
		rendered[i] = e.render()
		costs[i] = b.estimate(rendered[i])
		total += costs[i]
	}

	start := 0
	for start < len(entries)-1 && total > b.maxTokens {
		total -= costs[start]
		start++
	}

	parts := rendered[start:]
	if len(parts) == 1 && costs[len(costs)-1] > b.maxTokens {
		// Keep the tail of the final narrative; the latest beat matters most.
		runes := []rune(parts[0])
		keep := b.maxTokens * 4
		if keep < len(runes) {
			parts = []string{"…" + string(runes[len(runes)-keep:])}
		}
	}
	out := strings.Join(parts, "\n\n")
	if start > 0 {
		out = fmt.Sprintf("(%d earlier turns omitted)\n\n%s", start, out)
	}
	return out
}
