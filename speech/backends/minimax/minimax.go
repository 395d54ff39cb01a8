// Package minimax implements the simple request/response HTTP backend:
// one JSON POST per synthesis, audio returned inline as base64 or as a
// URL to fetch.
package minimax

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/tapspeak/tapspeak/speech"
)

// synthesisRequest is the JSON body of one synthesis call.
type synthesisRequest struct {
	Model   string  `json:"model"`
	Text    string  `json:"text"`
	VoiceID string  `json:"voice_id"`
	Speed   float64 `json:"speed,omitempty"`
	Pitch   float64 `json:"pitch,omitempty"`
	Volume  float64 `json:"vol,omitempty"`
}

// synthesisResponse is the JSON body of a synthesis reply. Exactly one
// of AudioFile and Audio is set on success.
type synthesisResponse struct {
	AudioFile string `json:"audio_file,omitempty"`
	Audio     string `json:"audio,omitempty"`
	BaseResp  struct {
		StatusCode int    `json:"status_code"`
		StatusMsg  string `json:"status_msg"`
	} `json:"base_resp"`
}

// Backend synthesizes speech through the MiniMax HTTP API.
type Backend struct {
	cfg    speech.MiniMaxConfig
	client *http.Client
	busy   int32
}

// New creates a MiniMax backend from config.
func New(cfg speech.MiniMaxConfig) *Backend {
	return &Backend{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return "minimax" }

// IsConfigured reports whether the endpoint and API key are set.
func (b *Backend) IsConfigured() bool {
	return b.cfg.URL != "" && b.cfg.APIKey != ""
}

// Close releases backend resources.
func (b *Backend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

// Synthesize performs one synthesis round trip and returns the encoded
// audio. A concurrent call fails immediately with ErrBackendBusy.
func (b *Backend) Synthesize(ctx context.Context, req speech.SynthesisRequest) ([]byte, error) {
	if !b.IsConfigured() {
		return nil, speech.NewSpeechError(speech.ErrNotConfigured, "minimax", "synthesize")
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, speech.NewSpeechError(speech.ErrEmptyText, "minimax", "synthesize")
	}
	if !atomic.CompareAndSwapInt32(&b.busy, 0, 1) {
		return nil, speech.NewSpeechError(speech.ErrBackendBusy, "minimax", "synthesize")
	}
	defer atomic.StoreInt32(&b.busy, 0)

	resp, err := b.post(ctx, req)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.Audio != "":
		audio, err := decodeInline(resp.Audio)
		if err != nil {
			return nil, speech.NewSpeechError(fmt.Errorf("%w: decoding inline audio: %v", speech.ErrTransport, err), "minimax", "decode")
		}
		log.Debug("synthesis complete", "backend", "minimax", "bytes", len(audio))
		return audio, nil
	case resp.AudioFile != "":
		audio, err := b.fetch(ctx, resp.AudioFile)
		if err != nil {
			return nil, speech.NewSpeechError(fmt.Errorf("%w: fetching audio file: %v", speech.ErrTransport, err), "minimax", "fetch")
		}
		log.Debug("synthesis complete", "backend", "minimax", "bytes", len(audio), "via", "audio_file")
		return audio, nil
	default:
		return nil, speech.NewSpeechError(fmt.Errorf("%w: response carried no audio", speech.ErrTransport), "minimax", "synthesize")
	}
}

func (b *Backend) post(ctx context.Context, req speech.SynthesisRequest) (*synthesisResponse, error) {
	voice := req.Voice
	if voice == "" {
		voice = b.cfg.VoiceID
	}

	body, err := json.Marshal(synthesisRequest{
		Model:   b.cfg.Model,
		Text:    req.Text,
		VoiceID: voice,
		Speed:   req.Rate,
		Pitch:   req.Pitch,
		Volume:  float64(req.Volume) / 50.0,
	})
	if err != nil {
		return nil, speech.NewSpeechError(err, "minimax", "encode")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, speech.NewSpeechError(err, "minimax", "request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)

	httpResp, err := b.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, speech.NewSpeechError(speech.ErrSynthesisTimeout, "minimax", "synthesize")
		}
		return nil, speech.NewSpeechError(fmt.Errorf("%w: %v", speech.ErrTransport, err), "minimax", "synthesize")
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, speech.NewSpeechError(fmt.Errorf("%w: reading response: %v", speech.ErrTransport, err), "minimax", "synthesize")
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, speech.NewSpeechError(&speech.RemoteError{
			Backend: "minimax",
			Code:    fmt.Sprintf("http_%d", httpResp.StatusCode),
			Message: strings.TrimSpace(string(data)),
		}, "minimax", "synthesize")
	}

	var resp synthesisResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, speech.NewSpeechError(fmt.Errorf("%w: decoding response: %v", speech.ErrTransport, err), "minimax", "decode")
	}

	if resp.BaseResp.StatusCode != 0 {
		return nil, speech.NewSpeechError(&speech.RemoteError{
			Backend: "minimax",
			Code:    fmt.Sprintf("%d", resp.BaseResp.StatusCode),
			Message: resp.BaseResp.StatusMsg,
		}, "minimax", "synthesize")
	}

	return &resp, nil
}

func (b *Backend) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("empty audio file")
	}
	return audio, nil
}

func decodeInline(encoded string) ([]byte, error) {
	audio, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("empty audio payload")
	}
	return audio, nil
}
