package speech

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/tapspeak/tapspeak/cards"
)

// Orchestrator coordinates the cache store, the TTS backends and the
// playback engine behind the card surface. A tap on a card resolves to
// cached audio when possible, synthesizes and persists on a miss, and
// degrades to uncached playback or silence when the world is against
// it. The terminal callback of every request fires exactly once.
type Orchestrator struct {
	mu       sync.RWMutex
	cfg      Config
	backend  Backend
	fallback Backend

	cache  CacheStore
	player Player
	cards  CardStore
}

// NewOrchestrator wires the collaborators together. fallback may be
// nil.
func NewOrchestrator(cfg Config, backend, fallback Backend, cache CacheStore, player Player, cardStore CardStore) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		backend:  backend,
		fallback: fallback,
		cache:    cache,
		player:   player,
		cards:    cardStore,
	}
}

// PlayCard speaks the card's text, from cache when possible. It returns
// immediately; done fires exactly once with nil on playback completion
// or the terminal error. A failure never surfaces as anything but the
// callback, so the caller can stay silent.
func (o *Orchestrator) PlayCard(ctx context.Context, cardID int64, done func(error)) {
	finish := terminal(done)

	go func() {
		card, err := o.cards.GetCard(ctx, cardID)
		if err != nil {
			if errors.Is(err, cards.ErrNotFound) {
				err = ErrCardNotFound
			}
			log.Warn("cannot play card", "card", cardID, "error", err)
			finish(NewSpeechError(err, "orchestrator", "play"))
			return
		}

		if strings.TrimSpace(card.SpeechText) == "" {
			finish(NewSpeechError(ErrEmptyText, "orchestrator", "play"))
			return
		}

		// Seed the cache association from the card row so a cached
		// file survives restarts.
		if card.AudioPath != "" {
			o.cache.Adopt(cardID, card.AudioPath)
		}

		if path, ok := o.cache.Lookup(cardID); ok {
			log.Debug("cache hit", "card", cardID, "path", path)
			o.player.Play(FromPath(path), finish)
			return
		}

		o.synthesizeAndPlay(ctx, card, finish)
	}()
}

// synthesizeAndPlay is the cache-miss arm: synthesize, persist, play.
// Persistence failure degrades to uncached playback; synthesis failure
// tries the fallback backend before giving up.
func (o *Orchestrator) synthesizeAndPlay(ctx context.Context, card *cards.Card, finish func(error)) {
	o.mu.RLock()
	cfg := o.cfg
	backend := o.backend
	fallback := o.fallback
	o.mu.RUnlock()

	audio, err := o.synthesize(ctx, cfg, backend, card)
	if err != nil {
		// A busy backend means another card's synthesis is in flight;
		// falling back would just race it.
		if errors.Is(err, ErrBackendBusy) {
			finish(err)
			return
		}

		log.Warn("synthesis failed", "card", card.ID, "backend", backendName(backend), "error", err)

		if errors.Is(err, ErrNotConfigured) && (fallback == nil || !fallback.IsConfigured()) {
			finish(err)
			return
		}

		// Recovery bypasses the cache: the fallback backend when one
		// is configured, otherwise one direct retry on the primary.
		// Uncached playback means a stand-in rendition is never pinned
		// to the card.
		retry := fallback
		if retry == nil || !retry.IsConfigured() {
			retry = backend
		}

		audio, err = o.synthesize(ctx, cfg, retry, card)
		if err != nil {
			log.Warn("recovery synthesis failed", "card", card.ID, "backend", backendName(retry), "error", err)
			finish(err)
			return
		}

		log.Info("playing uncached recovery audio", "card", card.ID, "backend", backendName(retry))
		o.player.Play(FromBytes(audio), finish)
		return
	}

	path, err := o.cache.Persist(card.ID, audio)
	if err != nil {
		// Disk trouble must not cost the tap its audio.
		log.Warn("could not cache audio, playing uncached", "card", card.ID, "error", err)
		o.player.Play(FromBytes(audio), finish)
		return
	}

	if err := o.cards.UpdateAudioRef(ctx, card.ID, path); err != nil {
		log.Warn("could not record audio reference", "card", card.ID, "error", err)
	}

	o.player.Play(FromPath(path), finish)
}

// synthesize runs one bounded synthesis attempt against backend.
func (o *Orchestrator) synthesize(ctx context.Context, cfg Config, backend Backend, card *cards.Card) ([]byte, error) {
	if backend == nil || !backend.IsConfigured() {
		return nil, NewSpeechError(ErrNotConfigured, "orchestrator", "synthesize")
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.SynthesisTimeout)
	defer cancel()

	req := cfg.SynthesisRequest(card.SpeechText, card.VoiceID)
	return backend.Synthesize(ctx, req)
}

// Speak synthesizes and plays free text without touching any card or
// the cache. done fires exactly once.
func (o *Orchestrator) Speak(ctx context.Context, text string, done func(error)) {
	finish := terminal(done)

	go func() {
		if strings.TrimSpace(text) == "" {
			finish(NewSpeechError(ErrEmptyText, "orchestrator", "speak"))
			return
		}

		o.mu.RLock()
		cfg := o.cfg
		backend := o.backend
		o.mu.RUnlock()

		audio, err := o.synthesize(ctx, cfg, backend, &cards.Card{SpeechText: text})
		if err != nil {
			finish(err)
			return
		}

		o.player.Play(FromBytes(audio), finish)
	}()
}

// OnCardTextChanged invalidates the card's stale audio after its speech
// text was rewritten. The cache file and the card's audio reference are
// dropped together, before any regeneration, so no window exists where
// the old voice is served for the new text. Regeneration is attempted
// in the background and its failure only logged; the next tap will
// synthesize on demand.
func (o *Orchestrator) OnCardTextChanged(ctx context.Context, cardID int64) error {
	if err := o.invalidate(ctx, cardID); err != nil {
		return err
	}

	go func() {
		card, err := o.cards.GetCard(context.Background(), cardID)
		if err != nil || strings.TrimSpace(card.SpeechText) == "" {
			return
		}

		o.mu.RLock()
		cfg := o.cfg
		backend := o.backend
		o.mu.RUnlock()

		audio, err := o.synthesize(context.Background(), cfg, backend, card)
		if err != nil {
			log.Debug("background regeneration failed", "card", cardID, "error", err)
			return
		}

		path, err := o.cache.Persist(cardID, audio)
		if err != nil {
			log.Debug("background regeneration could not persist", "card", cardID, "error", err)
			return
		}
		if err := o.cards.UpdateAudioRef(context.Background(), cardID, path); err != nil {
			log.Debug("background regeneration could not record reference", "card", cardID, "error", err)
		}
	}()

	return nil
}

// OnCardDeleted removes the card's cached audio and then the card row
// itself.
func (o *Orchestrator) OnCardDeleted(ctx context.Context, cardID int64) error {
	if err := o.invalidate(ctx, cardID); err != nil {
		return err
	}
	if err := o.cards.DeleteCard(ctx, cardID); err != nil {
		if errors.Is(err, cards.ErrNotFound) {
			return nil
		}
		return NewSpeechError(err, "orchestrator", "delete")
	}
	return nil
}

// invalidate drops the cached file and the card row's audio reference
// as one unit.
func (o *Orchestrator) invalidate(ctx context.Context, cardID int64) error {
	// Adopt first so a reference persisted by an earlier run is
	// deleted too, not just entries from this process.
	if card, err := o.cards.GetCard(ctx, cardID); err == nil && card.AudioPath != "" {
		o.cache.Adopt(cardID, card.AudioPath)
	}

	if err := o.cache.Invalidate(cardID); err != nil {
		return NewSpeechError(err, "orchestrator", "invalidate")
	}
	if err := o.cards.UpdateAudioRef(ctx, cardID, ""); err != nil && !errors.Is(err, cards.ErrNotFound) {
		return NewSpeechError(err, "orchestrator", "invalidate")
	}
	return nil
}

// Stop halts any active playback.
func (o *Orchestrator) Stop() {
	o.player.Stop()
}

// Reload swaps in freshly constructed backends, typically after a
// credential rotation. Old backends are closed; in-flight syntheses on
// them are allowed to finish their connections before Close returns.
func (o *Orchestrator) Reload(cfg Config, backend, fallback Backend) {
	o.mu.Lock()
	oldBackend, oldFallback := o.backend, o.fallback
	o.cfg = cfg
	o.backend = backend
	o.fallback = fallback
	o.mu.Unlock()

	if oldBackend != nil {
		oldBackend.Close()
	}
	if oldFallback != nil {
		oldFallback.Close()
	}

	log.Info("speech backends reloaded", "backend", backendName(backend), "fallback", backendName(fallback))
}

// Close releases the backends and the playback engine.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	backend, fallback := o.backend, o.fallback
	o.backend, o.fallback = nil, nil
	o.mu.Unlock()

	if backend != nil {
		backend.Close()
	}
	if fallback != nil {
		fallback.Close()
	}
	return o.player.Close()
}

// terminal wraps done so it fires exactly once and tolerates nil.
func terminal(done func(error)) func(error) {
	var once sync.Once
	return func(err error) {
		once.Do(func() {
			if done != nil {
				done(err)
			}
		})
	}
}

func backendName(b Backend) string {
	if b == nil {
		return "none"
	}
	return b.Name()
}
