// Package speech implements the audio synthesis cache-and-playback core:
// it turns a card's text into spoken audio through a remote TTS backend,
// keeps the generated audio in a local on-disk cache, and guarantees that
// every play request terminates in playback or a silent failure.
package speech

import (
	"context"

	"github.com/tapspeak/tapspeak/cards"
)

// SynthesisRequest carries one text-to-speech request to a backend.
// It is ephemeral and never persisted.
type SynthesisRequest struct {
	Text       string  // Text to speak; must be non-empty after trimming
	Voice      string  // Voice/style selector; empty means backend default
	Model      string  // Backend model identifier
	Format     string  // Output container/codec, e.g. "mp3"
	SampleRate int     // Output sample rate in Hz
	Volume     int     // Output volume, 0-100
	Rate       float64 // Speech rate multiplier (1.0 = normal)
	Pitch      float64 // Pitch multiplier (1.0 = normal)
}

// Backend is the polymorphic interface over the wire-incompatible remote
// TTS protocol variants. Implementations hold at most one synthesis in
// flight; a concurrent call fails immediately with ErrBackendBusy.
type Backend interface {
	// Name returns the backend identifier used in configuration and logs.
	Name() string

	// Synthesize converts text to one contiguous encoded audio byte
	// sequence. Chunked protocols concatenate chunks in arrival order
	// before returning; partial output is never returned.
	Synthesize(ctx context.Context, req SynthesisRequest) ([]byte, error)

	// IsConfigured reports whether the backend has the credentials and
	// endpoints it needs. An unconfigured backend fails fast without
	// network I/O.
	IsConfigured() bool

	// Close releases any long-lived backend resources.
	Close() error
}

// CacheStore maps a card to zero-or-one cached audio artifact on disk.
type CacheStore interface {
	// Lookup returns the cached path for the card, or ok=false on miss.
	// A path is returned only if the file exists and has non-zero size.
	Lookup(cardID int64) (path string, ok bool)

	// Persist durably writes data to a new uniquely named file and
	// returns its path. Earlier generations are never overwritten in
	// place.
	Persist(cardID int64, data []byte) (string, error)

	// Invalidate deletes the file currently associated with the card.
	// A missing file counts as success.
	Invalidate(cardID int64) error

	// Adopt seeds the association from an externally stored reference
	// (the card row's audio path), validating it like Lookup does.
	Adopt(cardID int64, path string)

	// Clear deletes all cached files, best effort.
	Clear() error

	// Size returns the total bytes of cached audio, best effort.
	Size() (int64, error)
}

// Player plays one audio source at a time through the platform output.
type Player interface {
	// Play starts playback of src. If a session is already active it is
	// stopped first (last request wins). done fires exactly once: on
	// completion, decode error, or stop.
	Play(src Source, done func(error))

	// Stop halts the active session, if any. Its done callback fires
	// with ErrPlaybackStopped.
	Stop()

	// Close stops playback and releases the audio device.
	Close() error
}

// Source is a playable audio source: either a file path or an in-memory
// byte buffer. Exactly one of the two fields is set.
type Source struct {
	Path string
	Data []byte
}

// FromPath returns a Source backed by a file on disk.
func FromPath(path string) Source { return Source{Path: path} }

// FromBytes returns a Source backed by an in-memory buffer.
func FromBytes(data []byte) Source { return Source{Data: data} }

// CardStore is the external CRUD collaborator that owns card rows.
type CardStore interface {
	GetCard(ctx context.Context, id int64) (*cards.Card, error)
	UpdateAudioRef(ctx context.Context, id int64, path string) error
	DeleteCard(ctx context.Context, id int64) error
}
