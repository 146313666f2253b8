// Package game holds the session state model and the pure transition function
// that turns an untrusted narrative delta into the next authoritative state.
package game

// Sanity bounds and the threshold at which a session is considered critical.
const (
	SanityMin      = 0
	SanityMax      = 100
	SanityCritical = 30
)

// Choice is one of the actions offered to the player for the next turn.
type Choice struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	Kind string `json:"kind"`
}

// Item is a piece of evidence carried in the inventory.
type Item struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Kind        string `json:"kind"`
}

// State is the full per-session game state surfaced to players and observers.
// It is embedded in every turn record as both the before and after value.
type State struct {
	Sanity      int      `json:"sanity"`
	Location    string   `json:"location"`
	Narrative   string   `json:"narrative"`
	Rules       []string `json:"rules"`
	Inventory   []Item   `json:"inventory"`
	Choices     []Choice `json:"choices"`
	ImagePrompt string   `json:"image_prompt,omitempty"`
	GameOver    bool     `json:"game_over"`
	Victory     bool     `json:"victory"`
}

// Clone returns a deep copy so a transition never aliases the previous state.
func (s State) Clone() State {
	out := s
	out.Rules = append([]string(nil), s.Rules...)
	out.Inventory = append([]Item(nil), s.Inventory...)
	out.Choices = append([]Choice(nil), s.Choices...)
	return out
}

// HasRule reports whether the rule is already known, by exact string match.
func (s State) HasRule(rule string) bool {
	for _, r := range s.Rules {
		if r == rule {
			return true
		}
	}
	return false
}

// Initial returns the fixed state every session starts from.
func Initial() State {
	return State{
		Sanity:   SanityMax,
		Location: "entrance",
		Narrative: "You wake up in a place that should not exist. " +
			"A sheet of paper is pinned to the wall beside you.",
		Rules: []string{"Rule 1: Do not trust anyone who claims there are no rules."},
		Choices: []Choice{
			{ID: "look", Text: "Read the paper on the wall", Kind: "investigate"},
			{ID: "move", Text: "Walk toward the corridor", Kind: "move"},
			{ID: "wait", Text: "Stay still and listen", Kind: "wait"},
		},
	}
}
