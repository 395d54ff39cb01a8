// Package cosyvoice implements the WebSocket duplex streaming backend.
// The server speaks an event protocol: the client opens a task, the
// server acknowledges it, the client streams text and signals it is done
// sending, and the server streams audio chunks back until a terminal
// event. Audio arrives as binary frames or as base64 inside
// result-generated events; chunks are concatenated in arrival order.
package cosyvoice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tapspeak/tapspeak/speech"
)

const (
	actionRunTask      = "run-task"
	actionContinueTask = "continue-task"
	actionFinishTask   = "finish-task"

	eventTaskStarted     = "task-started"
	eventResultGenerated = "result-generated"
	eventTaskFinished    = "task-finished"
	eventTaskFailed      = "task-failed"

	handshakeTimeout = 10 * time.Second
)

// frame is the JSON envelope for both directions of the control plane.
type frame struct {
	Header  header  `json:"header"`
	Payload payload `json:"payload"`
}

type header struct {
	Action       string `json:"action,omitempty"`
	Event        string `json:"event,omitempty"`
	TaskID       string `json:"task_id,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Streaming    string `json:"streaming,omitempty"`
}

type payload struct {
	Model      string      `json:"model,omitempty"`
	Task       string      `json:"task,omitempty"`
	TaskGroup  string      `json:"task_group,omitempty"`
	Function   string      `json:"function,omitempty"`
	Text       string      `json:"text,omitempty"`
	Audio      string      `json:"audio,omitempty"`
	Parameters *parameters `json:"parameters,omitempty"`
}

type parameters struct {
	Voice      string  `json:"voice,omitempty"`
	Format     string  `json:"format,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`
	Volume     int     `json:"volume,omitempty"`
	Rate       float64 `json:"rate,omitempty"`
	Pitch      float64 `json:"pitch,omitempty"`
}

// Backend synthesizes speech over a per-request WebSocket session.
type Backend struct {
	cfg  speech.CosyVoiceConfig
	busy int32
}

// New creates a CosyVoice backend from config.
func New(cfg speech.CosyVoiceConfig) *Backend {
	return &Backend{cfg: cfg}
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return "cosyvoice" }

// IsConfigured reports whether the endpoint and API key are set.
func (b *Backend) IsConfigured() bool {
	return b.cfg.URL != "" && b.cfg.APIKey != ""
}

// Close releases backend resources. Connections are per-request, so
// there is nothing long-lived to tear down.
func (b *Backend) Close() error { return nil }

// Synthesize runs one streaming synthesis session and returns the
// concatenated audio. Only one session may be in flight; a concurrent
// call fails immediately with ErrBackendBusy. Cancellation of ctx
// actively terminates the session rather than abandoning it.
func (b *Backend) Synthesize(ctx context.Context, req speech.SynthesisRequest) ([]byte, error) {
	if !b.IsConfigured() {
		return nil, speech.NewSpeechError(speech.ErrNotConfigured, "cosyvoice", "synthesize")
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, speech.NewSpeechError(speech.ErrEmptyText, "cosyvoice", "synthesize")
	}
	if !atomic.CompareAndSwapInt32(&b.busy, 0, 1) {
		return nil, speech.NewSpeechError(speech.ErrBackendBusy, "cosyvoice", "synthesize")
	}
	defer atomic.StoreInt32(&b.busy, 0)

	conn, err := b.dial(ctx)
	if err != nil {
		return nil, speech.NewSpeechError(fmt.Errorf("%w: %v", speech.ErrTransport, err), "cosyvoice", "dial")
	}
	defer conn.Close()

	taskID := uuid.NewString()

	type result struct {
		audio []byte
		err   error
	}
	done := make(chan result, 1)

	go func() {
		audio, err := b.runTask(conn, taskID, req)
		done <- result{audio: audio, err: err}
	}()

	select {
	case r := <-done:
		return r.audio, r.err
	case <-ctx.Done():
		// Active cancel: tell the server to stop, then drop the
		// connection so the session goroutine unblocks.
		b.sendFinish(conn, taskID)
		conn.Close()
		<-done
		if ctx.Err() == context.DeadlineExceeded {
			return nil, speech.NewSpeechError(speech.ErrSynthesisTimeout, "cosyvoice", "synthesize")
		}
		return nil, speech.NewSpeechError(ctx.Err(), "cosyvoice", "synthesize")
	}
}

func (b *Backend) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+b.cfg.APIKey)

	conn, resp, err := dialer.DialContext(ctx, b.cfg.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (status %s)", b.cfg.URL, err, resp.Status)
		}
		return nil, fmt.Errorf("dialing %s: %w", b.cfg.URL, err)
	}
	return conn, nil
}

// runTask drives the task lifecycle on conn: open, wait for the start
// acknowledgement, stream the text, signal end of input, and collect
// audio until the terminal event.
func (b *Backend) runTask(conn *websocket.Conn, taskID string, req speech.SynthesisRequest) ([]byte, error) {
	open := frame{
		Header: header{
			Action:    actionRunTask,
			TaskID:    taskID,
			Streaming: "duplex",
		},
		Payload: payload{
			Model:     b.cfg.Model,
			TaskGroup: "audio",
			Task:      "tts",
			Function:  "SpeechSynthesizer",
			Parameters: &parameters{
				Voice:      b.voiceFor(req),
				Format:     req.Format,
				SampleRate: req.SampleRate,
				Volume:     req.Volume,
				Rate:       req.Rate,
				Pitch:      req.Pitch,
			},
		},
	}
	if err := conn.WriteJSON(open); err != nil {
		return nil, speech.NewSpeechError(fmt.Errorf("%w: %v", speech.ErrTransport, err), "cosyvoice", "run-task")
	}

	// No text is sent before the server acknowledges the task.
	serverTaskID, err := b.awaitStarted(conn, taskID)
	if err != nil {
		return nil, err
	}

	text := frame{
		Header:  header{Action: actionContinueTask, TaskID: serverTaskID},
		Payload: payload{Text: req.Text},
	}
	if err := conn.WriteJSON(text); err != nil {
		return nil, speech.NewSpeechError(fmt.Errorf("%w: %v", speech.ErrTransport, err), "cosyvoice", "continue-task")
	}

	// End-of-input marker, distinct from closing the socket: the server
	// keeps streaming audio for text it already holds.
	finish := frame{Header: header{Action: actionFinishTask, TaskID: serverTaskID}}
	if err := conn.WriteJSON(finish); err != nil {
		return nil, speech.NewSpeechError(fmt.Errorf("%w: %v", speech.ErrTransport, err), "cosyvoice", "finish-task")
	}

	return b.collectAudio(conn, serverTaskID)
}

// awaitStarted reads frames until the task-started acknowledgement and
// returns the task id assigned by the server, which all subsequent
// frames must carry.
func (b *Backend) awaitStarted(conn *websocket.Conn, taskID string) (string, error) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return "", speech.NewSpeechError(fmt.Errorf("%w: %v", speech.ErrTransport, err), "cosyvoice", "await-start")
		}
		if msgType != websocket.TextMessage {
			// Audio before the handshake completes is a protocol
			// violation; skip it.
			log.Warn("unexpected binary frame before task start", "backend", "cosyvoice")
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			return "", speech.NewSpeechError(fmt.Errorf("%w: decoding event: %v", speech.ErrTransport, err), "cosyvoice", "await-start")
		}

		switch f.Header.Event {
		case eventTaskStarted:
			id := f.Header.TaskID
			if id == "" {
				id = taskID
			}
			return id, nil
		case eventTaskFailed:
			return "", speech.NewSpeechError(&speech.RemoteError{
				Backend: "cosyvoice",
				Code:    f.Header.ErrorCode,
				Message: f.Header.ErrorMessage,
			}, "cosyvoice", "await-start")
		default:
			log.Debug("ignoring event before task start", "backend", "cosyvoice", "event", f.Header.Event)
		}
	}
}

// collectAudio reads frames until the terminal event, appending binary
// frames and base64 payload audio in arrival order.
func (b *Backend) collectAudio(conn *websocket.Conn, taskID string) ([]byte, error) {
	var audio []byte

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return nil, speech.NewSpeechError(fmt.Errorf("%w: %v", speech.ErrTransport, err), "cosyvoice", "collect")
		}

		if msgType == websocket.BinaryMessage {
			audio = append(audio, data...)
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, speech.NewSpeechError(fmt.Errorf("%w: decoding event: %v", speech.ErrTransport, err), "cosyvoice", "collect")
		}

		switch f.Header.Event {
		case eventResultGenerated:
			if f.Payload.Audio != "" {
				chunk, err := base64.StdEncoding.DecodeString(f.Payload.Audio)
				if err != nil {
					return nil, speech.NewSpeechError(fmt.Errorf("%w: decoding audio chunk: %v", speech.ErrTransport, err), "cosyvoice", "collect")
				}
				audio = append(audio, chunk...)
			}
		case eventTaskFinished:
			if len(audio) == 0 {
				return nil, speech.NewSpeechError(fmt.Errorf("%w: task finished without audio", speech.ErrTransport), "cosyvoice", "collect")
			}
			log.Debug("synthesis complete", "backend", "cosyvoice", "task", taskID, "bytes", len(audio))
			return audio, nil
		case eventTaskFailed:
			return nil, speech.NewSpeechError(&speech.RemoteError{
				Backend: "cosyvoice",
				Code:    f.Header.ErrorCode,
				Message: f.Header.ErrorMessage,
			}, "cosyvoice", "collect")
		}
	}
}

// sendFinish is the best-effort half of active cancellation; failures
// are irrelevant because the connection is closed immediately after.
func (b *Backend) sendFinish(conn *websocket.Conn, taskID string) {
	deadline := time.Now().Add(time.Second)
	conn.SetWriteDeadline(deadline)
	_ = conn.WriteJSON(frame{Header: header{Action: actionFinishTask, TaskID: taskID}})
}

func (b *Backend) voiceFor(req speech.SynthesisRequest) string {
	if req.Voice != "" {
		return req.Voice
	}
	return b.cfg.Voice
}
