// Package google implements the native-SDK backend on the Google Cloud
// Text-to-Speech client library. One request maps to one blocking
// SynthesizeSpeech call; the SDK owns transport, auth and retries.
package google

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"github.com/charmbracelet/log"
	"google.golang.org/api/option"
	texttospeechpb "google.golang.org/genproto/googleapis/cloud/texttospeech/v1"

	"github.com/tapspeak/tapspeak/speech"
)

// Backend synthesizes speech through the Google Cloud TTS SDK. The
// client is created lazily on first use so that construction never
// performs network I/O.
type Backend struct {
	cfg speech.GoogleConfig

	mu     sync.Mutex
	client *texttospeech.Client
	busy   int32
}

// New creates a Google TTS backend from config.
func New(cfg speech.GoogleConfig) *Backend {
	return &Backend{cfg: cfg}
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return "google" }

// IsConfigured reports whether a credentials file is set. Ambient
// application-default credentials are deliberately not probed; cards
// synthesize on tap and must fail fast when auth is absent.
func (b *Backend) IsConfigured() bool {
	return b.cfg.CredentialsFile != ""
}

// Synthesize performs one blocking synthesis call and returns the
// encoded audio. A concurrent call fails immediately with
// ErrBackendBusy.
func (b *Backend) Synthesize(ctx context.Context, req speech.SynthesisRequest) ([]byte, error) {
	if !b.IsConfigured() {
		return nil, speech.NewSpeechError(speech.ErrNotConfigured, "google", "synthesize")
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, speech.NewSpeechError(speech.ErrEmptyText, "google", "synthesize")
	}
	if !atomic.CompareAndSwapInt32(&b.busy, 0, 1) {
		return nil, speech.NewSpeechError(speech.ErrBackendBusy, "google", "synthesize")
	}
	defer atomic.StoreInt32(&b.busy, 0)

	client, err := b.getClient(ctx)
	if err != nil {
		return nil, speech.NewSpeechError(fmt.Errorf("%w: %v", speech.ErrTransport, err), "google", "connect")
	}

	resp, err := client.SynthesizeSpeech(ctx, b.buildRequest(req))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, speech.NewSpeechError(speech.ErrSynthesisTimeout, "google", "synthesize")
		}
		return nil, speech.NewSpeechError(fmt.Errorf("%w: %v", speech.ErrTransport, err), "google", "synthesize")
	}
	if len(resp.AudioContent) == 0 {
		return nil, speech.NewSpeechError(fmt.Errorf("%w: empty audio response", speech.ErrTransport), "google", "synthesize")
	}

	log.Debug("synthesis complete", "backend", "google", "bytes", len(resp.AudioContent))
	return resp.AudioContent, nil
}

// Close releases the SDK client.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}

func (b *Backend) getClient(ctx context.Context) (*texttospeech.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return b.client, nil
	}

	client, err := texttospeech.NewClient(ctx, option.WithCredentialsFile(b.cfg.CredentialsFile))
	if err != nil {
		return nil, fmt.Errorf("creating TTS client: %w", err)
	}
	b.client = client
	return client, nil
}

func (b *Backend) buildRequest(req speech.SynthesisRequest) *texttospeechpb.SynthesizeSpeechRequest {
	voiceName := req.Voice
	if voiceName == "" {
		voiceName = b.cfg.VoiceName
	}

	encoding := texttospeechpb.AudioEncoding_MP3
	if req.Format == "wav" {
		encoding = texttospeechpb.AudioEncoding_LINEAR16
	}

	return &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: req.Text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: b.cfg.LanguageCode,
			Name:         voiceName,
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding:   encoding,
			SampleRateHertz: int32(req.SampleRate),
			SpeakingRate:    req.Rate,
			Pitch:           pitchSemitones(req.Pitch),
			VolumeGainDb:    volumeGainDb(req.Volume),
		},
	}
}

// pitchSemitones converts the shared pitch multiplier to the semitone
// offset the API expects. 1.0 maps to 0, one octave up to +12.
func pitchSemitones(pitch float64) float64 {
	if pitch <= 0 {
		return 0
	}
	return 12 * math.Log2(pitch)
}

// volumeGainDb maps the shared 0-100 volume to a gentle gain range
// around the voice's natural level. 50 maps to 0 dB.
func volumeGainDb(volume int) float64 {
	return (float64(volume) - 50) / 50 * 6
}
