// Package audio implements the playback engine on the oto audio stack.
// At most one playback session exists at a time: starting a new one
// stops whatever is playing, and every session reports its outcome
// through a terminal callback that fires exactly once.
package audio

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ebitengine/oto/v3"
	"github.com/hajimehoshi/go-mp3"

	"github.com/tapspeak/tapspeak/speech"
)

const (
	channelCount = 2
	pollInterval = 50 * time.Millisecond
)

// audioContext abstracts the platform audio device so tests can run
// without one.
type audioContext interface {
	NewPlayer(r io.Reader) audioPlayer
	Suspend() error
	Resume() error
}

// audioPlayer is one device-level playback stream.
type audioPlayer interface {
	Play()
	Pause()
	IsPlaying() bool
	Close() error
}

// decodeFunc turns an encoded audio stream into PCM plus its sample
// rate. Swappable in tests.
type decodeFunc func(r io.Reader) (io.Reader, int, error)

func decodeMP3(r io.Reader) (io.Reader, int, error) {
	decoder, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, 0, err
	}
	return decoder, decoder.SampleRate(), nil
}

// otoContext adapts *oto.Context to audioContext.
type otoContext struct{ ctx *oto.Context }

func (o *otoContext) NewPlayer(r io.Reader) audioPlayer { return o.ctx.NewPlayer(r) }
func (o *otoContext) Suspend() error                    { return o.ctx.Suspend() }
func (o *otoContext) Resume() error                     { return o.ctx.Resume() }

// Player is the single playback engine for the app. It owns the device
// context, which is created lazily on first play because oto allows
// only one context per process and needs the stream's sample rate.
type Player struct {
	mu         sync.Mutex
	ctx        audioContext
	sampleRate int
	current    *session
	decode     decodeFunc
	closed     bool

	newContext func(sampleRate int) (audioContext, error)
}

// NewPlayer creates a playback engine backed by the platform audio
// device.
func NewPlayer() *Player {
	return &Player{
		decode:     decodeMP3,
		newContext: newOtoContext,
	}
}

func newOtoContext(sampleRate int) (audioContext, error) {
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channelCount,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, fmt.Errorf("creating audio context: %w", err)
	}
	<-ready
	return &otoContext{ctx: ctx}, nil
}

// session is one playback attempt. finish fires the terminal callback
// exactly once regardless of which path ends the session.
type session struct {
	player  audioPlayer
	closers []io.Closer
	done    func(error)
	once    sync.Once
	stop    chan struct{}
}

func (s *session) finish(err error) {
	s.once.Do(func() {
		if s.player != nil {
			s.player.Pause()
			s.player.Close()
		}
		for _, c := range s.closers {
			c.Close()
		}
		if s.done != nil {
			s.done(err)
		}
	})
}

// Play starts playback of src, stopping any active session first. done
// fires exactly once: nil on completion, ErrPlaybackStopped if a later
// request or Stop preempts the session, or the open/decode error.
func (p *Player) Play(src speech.Source, done func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if prev := p.current; prev != nil {
		p.current = nil
		close(prev.stop)
		prev.finish(speech.NewSpeechError(speech.ErrPlaybackStopped, "player", "preempted"))
	}

	if p.closed {
		if done != nil {
			done(speech.NewSpeechError(speech.ErrPlaybackFailed, "player", "closed"))
		}
		return
	}

	s := &session{done: done, stop: make(chan struct{})}

	reader, err := p.openSource(src, s)
	if err != nil {
		s.finish(err)
		return
	}

	pcm, sampleRate, err := p.decode(reader)
	if err != nil {
		s.finish(speech.NewSpeechError(fmt.Errorf("%w: decoding audio: %v", speech.ErrPlaybackFailed, err), "player", "decode"))
		return
	}

	if err := p.ensureContext(sampleRate); err != nil {
		s.finish(speech.NewSpeechError(fmt.Errorf("%w: %v", speech.ErrPlaybackFailed, err), "player", "device"))
		return
	}

	s.player = p.ctx.NewPlayer(pcm)
	s.player.Play()
	p.current = s

	go p.monitor(s)
}

// openSource resolves a Source to a reader, registering any file handle
// with the session so it is closed on every exit path.
func (p *Player) openSource(src speech.Source, s *session) (io.Reader, error) {
	switch {
	case src.Path != "":
		f, err := os.Open(src.Path)
		if err != nil {
			return nil, speech.NewSpeechError(fmt.Errorf("%w: opening audio file: %v", speech.ErrPlaybackFailed, err), "player", "open")
		}
		s.closers = append(s.closers, f)
		return f, nil
	case len(src.Data) > 0:
		return bytes.NewReader(src.Data), nil
	default:
		return nil, speech.NewSpeechError(speech.ErrNothingToPlay, "player", "open")
	}
}

// ensureContext creates the device context on first use. oto permits a
// single context per process, so a later stream with a different sample
// rate reuses the existing one.
func (p *Player) ensureContext(sampleRate int) error {
	if p.ctx != nil {
		if sampleRate != p.sampleRate {
			log.Debug("sample rate differs from device context", "want", sampleRate, "have", p.sampleRate)
		}
		return nil
	}

	ctx, err := p.newContext(sampleRate)
	if err != nil {
		return err
	}
	p.ctx = ctx
	p.sampleRate = sampleRate
	return nil
}

// monitor polls the device player until the stream drains, then fires
// the terminal callback. A stop signal wins over completion.
func (p *Player) monitor(s *session) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if s.player.IsPlaying() {
				continue
			}

			p.mu.Lock()
			if p.current == s {
				p.current = nil
			}
			p.mu.Unlock()

			s.finish(nil)
			return
		}
	}
}

// Stop halts the active session, if any. Its done callback fires with
// ErrPlaybackStopped.
func (p *Player) Stop() {
	p.mu.Lock()
	s := p.current
	p.current = nil
	p.mu.Unlock()

	if s == nil {
		return
	}
	close(s.stop)
	s.finish(speech.NewSpeechError(speech.ErrPlaybackStopped, "player", "stop"))
}

// Close stops playback and marks the engine unusable. The oto context
// itself cannot be torn down, so it is left for process exit.
func (p *Player) Close() error {
	p.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.ctx != nil {
		return p.ctx.Suspend()
	}
	return nil
}
