// Package cards provides the card entity and its persistent store.
// A card is a unit of content with a display label and speakable text;
// cards form a two-level hierarchy (category cards and leaf cards).
package cards

import "time"

// Card represents a single tappable card on the board.
type Card struct {
	ID         int64  // Stable identity, never reused while the card exists
	ParentID   int64  // 0 for top-level category cards
	Label      string // Display text on the card face
	SpeechText string // Text sent to synthesis; authoritative cache input
	VoiceID    string // Optional per-card voice; empty means default voice
	AudioPath  string // Path of the cached audio artifact; empty means no cache
	Position   int    // Sort order within the parent
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// HasAudioRef reports whether the card claims a cached audio artifact.
// The reference is a hint, not a guarantee: the cache layer re-validates
// the file before trusting it.
func (c *Card) HasAudioRef() bool {
	return c.AudioPath != ""
}
