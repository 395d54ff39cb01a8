// Package mock provides a synthesizer that fabricates audio locally.
// It exists for tests and for running the app without any remote
// credentials.
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tapspeak/tapspeak/speech"
)

// Backend fabricates deterministic audio bytes after a configurable
// delay, optionally failing a fraction of requests.
type Backend struct {
	cfg   speech.MockConfig
	busy  int32
	calls int64
}

// New creates a mock backend from config.
func New(cfg speech.MockConfig) *Backend {
	return &Backend{cfg: cfg}
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return "mock" }

// IsConfigured always reports true; the mock needs no credentials.
func (b *Backend) IsConfigured() bool { return true }

// Close releases backend resources.
func (b *Backend) Close() error { return nil }

// Calls returns how many synthesis attempts have been made.
func (b *Backend) Calls() int64 { return atomic.LoadInt64(&b.calls) }

// Synthesize waits the configured delay and returns bytes derived from
// the request text. The busy and cancellation behavior mirrors the real
// backends so orchestration tests exercise the same paths.
func (b *Backend) Synthesize(ctx context.Context, req speech.SynthesisRequest) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, speech.NewSpeechError(speech.ErrEmptyText, "mock", "synthesize")
	}
	if !atomic.CompareAndSwapInt32(&b.busy, 0, 1) {
		return nil, speech.NewSpeechError(speech.ErrBackendBusy, "mock", "synthesize")
	}
	defer atomic.StoreInt32(&b.busy, 0)
	atomic.AddInt64(&b.calls, 1)

	if b.cfg.GenerationDelay > 0 {
		timer := time.NewTimer(b.cfg.GenerationDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, speech.NewSpeechError(speech.ErrSynthesisTimeout, "mock", "synthesize")
			}
			return nil, speech.NewSpeechError(ctx.Err(), "mock", "synthesize")
		}
	}

	if b.cfg.FailureRate > 0 && rand.Float64() < b.cfg.FailureRate {
		return nil, speech.NewSpeechError(&speech.RemoteError{
			Backend: "mock",
			Code:    "SimulatedFailure",
			Message: "injected by failure_rate",
		}, "mock", "synthesize")
	}

	return []byte(fmt.Sprintf("mock-audio(%s/%s)", req.Voice, req.Text)), nil
}
