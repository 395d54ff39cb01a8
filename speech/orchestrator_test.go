package speech

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapspeak/tapspeak/cards"
)

type fakeBackend struct {
	name       string
	audio      []byte
	err        error
	configured bool

	mu    sync.Mutex
	calls int
}

func (f *fakeBackend) Name() string       { return f.name }
func (f *fakeBackend) IsConfigured() bool { return f.configured }
func (f *fakeBackend) Close() error       { return nil }

func (f *fakeBackend) Synthesize(ctx context.Context, req SynthesisRequest) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.audio, nil
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeCache struct {
	mu          sync.Mutex
	files       map[int64]string
	persisted   map[int64][]byte
	persistErr  error
	invalidated []int64
	adopted     map[int64]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		files:     make(map[int64]string),
		persisted: make(map[int64][]byte),
		adopted:   make(map[int64]string),
	}
}

func (f *fakeCache) Lookup(cardID int64) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path, ok := f.files[cardID]
	return path, ok
}

func (f *fakeCache) Persist(cardID int64, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.persistErr != nil {
		return "", f.persistErr
	}
	path := fmt.Sprintf("/cache/card-%d.mp3", cardID)
	f.files[cardID] = path
	f.persisted[cardID] = data
	return path, nil
}

func (f *fakeCache) Invalidate(cardID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, cardID)
	f.invalidated = append(f.invalidated, cardID)
	return nil
}

func (f *fakeCache) Adopt(cardID int64, path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adopted[cardID] = path
	f.files[cardID] = path
}

func (f *fakeCache) Clear() error         { return nil }
func (f *fakeCache) Size() (int64, error) { return 0, nil }

func (f *fakeCache) invalidations() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.invalidated...)
}

func (f *fakeCache) persistedAudio(cardID int64) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.persisted[cardID]
}

// fakePlayer completes every session immediately.
type fakePlayer struct {
	mu      sync.Mutex
	sources []Source
}

func (f *fakePlayer) Play(src Source, done func(error)) {
	f.mu.Lock()
	f.sources = append(f.sources, src)
	f.mu.Unlock()
	if done != nil {
		done(nil)
	}
}

func (f *fakePlayer) Stop()        {}
func (f *fakePlayer) Close() error { return nil }

func (f *fakePlayer) played() []Source {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Source(nil), f.sources...)
}

type fakeCardStore struct {
	mu      sync.Mutex
	rows    map[int64]*cards.Card
	refs    map[int64][]string
	deleted []int64
}

func newFakeCardStore(rows ...*cards.Card) *fakeCardStore {
	s := &fakeCardStore{
		rows: make(map[int64]*cards.Card),
		refs: make(map[int64][]string),
	}
	for _, c := range rows {
		s.rows[c.ID] = c
	}
	return s
}

func (f *fakeCardStore) GetCard(ctx context.Context, id int64) (*cards.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.rows[id]
	if !ok {
		return nil, cards.ErrNotFound
	}
	clone := *c
	return &clone, nil
}

func (f *fakeCardStore) UpdateAudioRef(ctx context.Context, id int64, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.rows[id]
	if !ok {
		return cards.ErrNotFound
	}
	c.AudioPath = path
	f.refs[id] = append(f.refs[id], path)
	return nil
}

func (f *fakeCardStore) DeleteCard(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[id]; !ok {
		return cards.ErrNotFound
	}
	delete(f.rows, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeCardStore) refUpdates(id int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.refs[id]...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SynthesisTimeout = 2 * time.Second
	return cfg
}

func waitDone(t *testing.T, ch chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("terminal callback never fired")
		return nil
	}
}

func TestPlayCardCacheHit(t *testing.T) {
	backend := &fakeBackend{name: "mock", configured: true, audio: []byte("fresh")}
	cache := newFakeCache()
	cache.files[1] = "/cache/card-1.mp3"
	player := &fakePlayer{}
	store := newFakeCardStore(&cards.Card{ID: 1, SpeechText: "hello"})

	o := NewOrchestrator(testConfig(), backend, nil, cache, player, store)

	done := make(chan error, 1)
	o.PlayCard(context.Background(), 1, func(err error) { done <- err })

	require.NoError(t, waitDone(t, done))
	require.Len(t, player.played(), 1)
	assert.Equal(t, "/cache/card-1.mp3", player.played()[0].Path)
	assert.Equal(t, 0, backend.callCount())
}

func TestPlayCardMissSynthesizesPersistsAndPlays(t *testing.T) {
	backend := &fakeBackend{name: "mock", configured: true, audio: []byte("synth-audio")}
	cache := newFakeCache()
	player := &fakePlayer{}
	store := newFakeCardStore(&cards.Card{ID: 1, SpeechText: "hello"})

	o := NewOrchestrator(testConfig(), backend, nil, cache, player, store)

	done := make(chan error, 1)
	o.PlayCard(context.Background(), 1, func(err error) { done <- err })

	require.NoError(t, waitDone(t, done))
	assert.Equal(t, 1, backend.callCount())
	assert.Equal(t, []byte("synth-audio"), cache.persistedAudio(1))

	played := player.played()
	require.Len(t, played, 1)
	assert.NotEmpty(t, played[0].Path)
	assert.Equal(t, []string{played[0].Path}, store.refUpdates(1))
}

func TestPlayCardPersistFailureDegradesToUncachedPlayback(t *testing.T) {
	backend := &fakeBackend{name: "mock", configured: true, audio: []byte("synth-audio")}
	cache := newFakeCache()
	cache.persistErr = errors.New("disk full")
	player := &fakePlayer{}
	store := newFakeCardStore(&cards.Card{ID: 1, SpeechText: "hello"})

	o := NewOrchestrator(testConfig(), backend, nil, cache, player, store)

	done := make(chan error, 1)
	o.PlayCard(context.Background(), 1, func(err error) { done <- err })

	require.NoError(t, waitDone(t, done))
	played := player.played()
	require.Len(t, played, 1)
	assert.Empty(t, played[0].Path)
	assert.Equal(t, []byte("synth-audio"), played[0].Data)
	assert.Empty(t, store.refUpdates(1))
}

func TestPlayCardFallbackPlaysUncached(t *testing.T) {
	primary := &fakeBackend{name: "cosyvoice", configured: true, err: errors.New("network down")}
	fallback := &fakeBackend{name: "minimax", configured: true, audio: []byte("fallback-audio")}
	cache := newFakeCache()
	player := &fakePlayer{}
	store := newFakeCardStore(&cards.Card{ID: 1, SpeechText: "hello"})

	o := NewOrchestrator(testConfig(), primary, fallback, cache, player, store)

	done := make(chan error, 1)
	o.PlayCard(context.Background(), 1, func(err error) { done <- err })

	require.NoError(t, waitDone(t, done))
	assert.Equal(t, 1, primary.callCount())
	assert.Equal(t, 1, fallback.callCount())

	played := player.played()
	require.Len(t, played, 1)
	assert.Equal(t, []byte("fallback-audio"), played[0].Data)

	// Fallback audio is never cached.
	assert.Nil(t, cache.persistedAudio(1))
}

func TestPlayCardNoFallbackRetriesPrimaryUncached(t *testing.T) {
	primary := &fakeBackend{name: "cosyvoice", configured: true, err: errors.New("network down")}
	player := &fakePlayer{}
	store := newFakeCardStore(&cards.Card{ID: 1, SpeechText: "hello"})

	o := NewOrchestrator(testConfig(), primary, nil, newFakeCache(), player, store)

	done := make(chan error, 1)
	o.PlayCard(context.Background(), 1, func(err error) { done <- err })

	require.Error(t, waitDone(t, done))
	assert.Equal(t, 2, primary.callCount())
	assert.Empty(t, player.played())
}

func TestPlayCardTotalFailureIsSilent(t *testing.T) {
	primary := &fakeBackend{name: "cosyvoice", configured: true, err: errors.New("network down")}
	fallback := &fakeBackend{name: "minimax", configured: true, err: errors.New("also down")}
	cache := newFakeCache()
	player := &fakePlayer{}
	store := newFakeCardStore(&cards.Card{ID: 1, SpeechText: "hello"})

	o := NewOrchestrator(testConfig(), primary, fallback, cache, player, store)

	done := make(chan error, 1)
	o.PlayCard(context.Background(), 1, func(err error) { done <- err })

	err := waitDone(t, done)
	require.Error(t, err)
	assert.Empty(t, player.played())
}

func TestPlayCardUnconfiguredBackend(t *testing.T) {
	backend := &fakeBackend{name: "cosyvoice", configured: false}
	player := &fakePlayer{}
	store := newFakeCardStore(&cards.Card{ID: 1, SpeechText: "hello"})

	o := NewOrchestrator(testConfig(), backend, nil, newFakeCache(), player, store)

	done := make(chan error, 1)
	o.PlayCard(context.Background(), 1, func(err error) { done <- err })

	assert.ErrorIs(t, waitDone(t, done), ErrNotConfigured)
	assert.Equal(t, 0, backend.callCount())
	assert.Empty(t, player.played())
}

func TestPlayCardBusyBackendSkipsFallback(t *testing.T) {
	primary := &fakeBackend{name: "cosyvoice", configured: true, err: NewSpeechError(ErrBackendBusy, "cosyvoice", "synthesize")}
	fallback := &fakeBackend{name: "minimax", configured: true, audio: []byte("x")}
	store := newFakeCardStore(&cards.Card{ID: 1, SpeechText: "hello"})

	o := NewOrchestrator(testConfig(), primary, fallback, newFakeCache(), &fakePlayer{}, store)

	done := make(chan error, 1)
	o.PlayCard(context.Background(), 1, func(err error) { done <- err })

	assert.ErrorIs(t, waitDone(t, done), ErrBackendBusy)
	assert.Equal(t, 0, fallback.callCount())
}

func TestPlayCardUnknownCard(t *testing.T) {
	o := NewOrchestrator(testConfig(), &fakeBackend{name: "mock", configured: true}, nil, newFakeCache(), &fakePlayer{}, newFakeCardStore())

	done := make(chan error, 1)
	o.PlayCard(context.Background(), 42, func(err error) { done <- err })
	assert.ErrorIs(t, waitDone(t, done), ErrCardNotFound)
}

func TestPlayCardEmptyText(t *testing.T) {
	store := newFakeCardStore(&cards.Card{ID: 1, SpeechText: "   "})
	o := NewOrchestrator(testConfig(), &fakeBackend{name: "mock", configured: true}, nil, newFakeCache(), &fakePlayer{}, store)

	done := make(chan error, 1)
	o.PlayCard(context.Background(), 1, func(err error) { done <- err })
	assert.ErrorIs(t, waitDone(t, done), ErrEmptyText)
}

func TestPlayCardAdoptsPersistedReference(t *testing.T) {
	backend := &fakeBackend{name: "mock", configured: true, audio: []byte("fresh")}
	cache := newFakeCache()
	player := &fakePlayer{}
	store := newFakeCardStore(&cards.Card{ID: 1, SpeechText: "hello", AudioPath: "/persisted/old.mp3"})

	o := NewOrchestrator(testConfig(), backend, nil, cache, player, store)

	done := make(chan error, 1)
	o.PlayCard(context.Background(), 1, func(err error) { done <- err })

	require.NoError(t, waitDone(t, done))
	assert.Equal(t, "/persisted/old.mp3", cache.adopted[1])
	assert.Equal(t, 0, backend.callCount())

	played := player.played()
	require.Len(t, played, 1)
	assert.Equal(t, "/persisted/old.mp3", played[0].Path)
}

func TestOnCardTextChangedInvalidatesBeforeRegeneration(t *testing.T) {
	backend := &fakeBackend{name: "mock", configured: true, audio: []byte("new-voice")}
	cache := newFakeCache()
	cache.files[1] = "/cache/stale.mp3"
	store := newFakeCardStore(&cards.Card{ID: 1, SpeechText: "new text", AudioPath: "/cache/stale.mp3"})

	o := NewOrchestrator(testConfig(), backend, nil, cache, &fakePlayer{}, store)

	require.NoError(t, o.OnCardTextChanged(context.Background(), 1))

	// Invalidation is synchronous: stale file dropped and reference
	// cleared before the call returns.
	assert.Equal(t, []int64{1}, cache.invalidations())
	updates := store.refUpdates(1)
	require.NotEmpty(t, updates)
	assert.Equal(t, "", updates[0])

	// Regeneration catches up in the background.
	assert.Eventually(t, func() bool {
		return cache.persistedAudio(1) != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOnCardTextChangedRegenerationFailureIsLoggedOnly(t *testing.T) {
	backend := &fakeBackend{name: "mock", configured: true, err: errors.New("backend down")}
	cache := newFakeCache()
	cache.files[1] = "/cache/stale.mp3"
	store := newFakeCardStore(&cards.Card{ID: 1, SpeechText: "new text"})

	o := NewOrchestrator(testConfig(), backend, nil, cache, &fakePlayer{}, store)

	require.NoError(t, o.OnCardTextChanged(context.Background(), 1))
	assert.Equal(t, []int64{1}, cache.invalidations())

	// The failed regeneration leaves the cache empty for on-demand
	// synthesis at the next tap.
	assert.Eventually(t, func() bool { return backend.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Nil(t, cache.persistedAudio(1))
}

func TestOnCardDeletedRemovesAudioAndRow(t *testing.T) {
	cache := newFakeCache()
	cache.files[1] = "/cache/card-1.mp3"
	store := newFakeCardStore(&cards.Card{ID: 1, SpeechText: "bye"})

	o := NewOrchestrator(testConfig(), &fakeBackend{name: "mock", configured: true}, nil, cache, &fakePlayer{}, store)

	require.NoError(t, o.OnCardDeleted(context.Background(), 1))
	assert.Equal(t, []int64{1}, cache.invalidations())
	assert.Equal(t, []int64{1}, store.deleted)

	// Deleting an already-gone card is not an error.
	require.NoError(t, o.OnCardDeleted(context.Background(), 1))
}

func TestSpeakPlaysWithoutCaching(t *testing.T) {
	backend := &fakeBackend{name: "mock", configured: true, audio: []byte("free-text")}
	cache := newFakeCache()
	player := &fakePlayer{}

	o := NewOrchestrator(testConfig(), backend, nil, cache, player, newFakeCardStore())

	done := make(chan error, 1)
	o.Speak(context.Background(), "hello there", func(err error) { done <- err })

	require.NoError(t, waitDone(t, done))
	played := player.played()
	require.Len(t, played, 1)
	assert.Equal(t, []byte("free-text"), played[0].Data)
	assert.Empty(t, cache.persisted)
}

func TestReloadSwapsBackends(t *testing.T) {
	oldBackend := &fakeBackend{name: "mock", configured: true, err: errors.New("stale credentials")}
	store := newFakeCardStore(&cards.Card{ID: 1, SpeechText: "hello"})
	player := &fakePlayer{}

	o := NewOrchestrator(testConfig(), oldBackend, nil, newFakeCache(), player, store)

	newBackend := &fakeBackend{name: "mock", configured: true, audio: []byte("fresh")}
	o.Reload(testConfig(), newBackend, nil)

	done := make(chan error, 1)
	o.PlayCard(context.Background(), 1, func(err error) { done <- err })

	require.NoError(t, waitDone(t, done))
	assert.Equal(t, 0, oldBackend.callCount())
	assert.Equal(t, 1, newBackend.callCount())
}

func TestPlayCardDoneFiresExactlyOnce(t *testing.T) {
	backend := &fakeBackend{name: "mock", configured: true, audio: []byte("x")}
	store := newFakeCardStore(&cards.Card{ID: 1, SpeechText: "hello"})

	o := NewOrchestrator(testConfig(), backend, nil, newFakeCache(), &fakePlayer{}, store)

	var mu sync.Mutex
	calls := 0
	done := make(chan error, 2)
	o.PlayCard(context.Background(), 1, func(err error) {
		mu.Lock()
		calls++
		mu.Unlock()
		done <- err
	})

	require.NoError(t, waitDone(t, done))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}
