package game

import "strings"

// Delta is the structured proposal returned by the narrative provider for one
// turn. It is never applied verbatim: Apply clamps, defaults, and filters every
// field, treating the provider as untrusted input.
type Delta struct {
	Narrative      string   `json:"narrative"`
	Choices        []Choice `json:"choices"`
	ImagePrompt    string   `json:"image_prompt,omitempty"`
	SanityChange   int      `json:"sanity_change"`
	NewRules       []string `json:"new_rules,omitempty"`
	NewItems       []Item   `json:"new_items,omitempty"`
	Location       string   `json:"location,omitempty"`
	GameOver       bool     `json:"is_game_over"`
	Victory        bool     `json:"is_victory,omitempty"`
	ConsumedItemID string   `json:"consumed_item_id,omitempty"`
}

// bulkDiscoveryMarkers mark narratives where the story hands the player a
// written rule sheet, which may legitimately teach two rules at once.
var bulkDiscoveryMarkers = []string{
	"守则",
	"规则清单",
	"rules list",
	"list of rules",
}

// maxNewRules returns how many proposed rules a single turn may accept.
func maxNewRules(narrative string) int {
	lower := strings.ToLower(narrative)
	for _, m := range bulkDiscoveryMarkers {
		if strings.Contains(lower, strings.ToLower(m)) {
			return 2
		}
	}
	return 1
}

func clampSanity(v int) int {
	if v < SanityMin {
		return SanityMin
	}
	if v > SanityMax {
		return SanityMax
	}
	return v
}

// Apply computes the next state from the previous state and a provider delta.
// It is pure and total: any delta, however malformed in content, yields a
// valid next state that honors the state invariants.
func Apply(prev State, delta Delta) State {
	next := prev.Clone()

	next.Sanity = clampSanity(prev.Sanity + delta.SanityChange)

	limit := maxNewRules(delta.Narrative)
	accepted := 0
	for _, rule := range delta.NewRules {
		if accepted >= limit {
			break
		}
		rule = strings.TrimSpace(rule)
		if rule == "" || next.HasRule(rule) {
			continue
		}
		next.Rules = append(next.Rules, rule)
		accepted++
	}

	next.Inventory = append(next.Inventory, delta.NewItems...)
	if delta.ConsumedItemID != "" {
		for i, it := range next.Inventory {
			if it.ID == delta.ConsumedItemID {
				next.Inventory = append(next.Inventory[:i], next.Inventory[i+1:]...)
				break
			}
		}
	}

	if delta.Narrative != "" {
		next.Narrative = delta.Narrative
	}
	if delta.Location != "" {
		next.Location = delta.Location
	}
	if len(delta.Choices) > 0 {
		next.Choices = append([]Choice(nil), delta.Choices...)
	}
	if delta.ImagePrompt != "" {
		next.ImagePrompt = delta.ImagePrompt
	}

	next.GameOver = next.Sanity <= SanityMin || delta.GameOver
	next.Victory = delta.Victory

	return next
}

// NewItems reports which inventory entries of next were added by this
// transition, by id. Used by the event emitter for item-acquired events.
func NewItems(prev, next State) []Item {
	seen := make(map[string]int, len(prev.Inventory))
	for _, it := range prev.Inventory {
		seen[it.ID]++
	}
	var added []Item
	for _, it := range next.Inventory {
		if seen[it.ID] > 0 {
			seen[it.ID]--
			continue
		}
		added = append(added, it)
	}
	return added
}

// CrossedCritical reports whether sanity crossed from above the critical
// threshold to at or below it in this transition. Edge-triggered on purpose:
// staying below the threshold does not refire.
func CrossedCritical(prev, next State) bool {
	return prev.Sanity > SanityCritical && next.Sanity <= SanityCritical
}
