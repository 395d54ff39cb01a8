// Package backends constructs concrete TTS backends from configuration.
package backends

import (
	"fmt"

	"github.com/tapspeak/tapspeak/speech"
	"github.com/tapspeak/tapspeak/speech/backends/cosyvoice"
	"github.com/tapspeak/tapspeak/speech/backends/google"
	"github.com/tapspeak/tapspeak/speech/backends/minimax"
	"github.com/tapspeak/tapspeak/speech/backends/mock"
)

// New returns the backend named by name, configured from cfg.
func New(name string, cfg speech.Config) (speech.Backend, error) {
	switch name {
	case "cosyvoice":
		return cosyvoice.New(cfg.CosyVoice), nil
	case "google":
		return google.New(cfg.Google), nil
	case "minimax":
		return minimax.New(cfg.MiniMax), nil
	case "mock":
		return mock.New(cfg.Mock), nil
	case "":
		return nil, speech.ErrNotConfigured
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

// FromConfig builds the primary backend and, when configured, the
// fallback backend used when the primary cannot synthesize.
func FromConfig(cfg speech.Config) (primary, fallback speech.Backend, err error) {
	primary, err = New(cfg.Backend, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("primary backend: %w", err)
	}

	if cfg.FallbackBackend != "" {
		fallback, err = New(cfg.FallbackBackend, cfg)
		if err != nil {
			primary.Close()
			return nil, nil, fmt.Errorf("fallback backend: %w", err)
		}
	}

	return primary, fallback, nil
}
