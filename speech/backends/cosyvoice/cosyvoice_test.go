package cosyvoice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapspeak/tapspeak/speech"
)

var upgrader = websocket.Upgrader{}

// ttsServer fakes the streaming protocol. handler drives one session on
// an upgraded connection.
func ttsServer(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	var f frame
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func newTestBackend(url string) *Backend {
	return New(speech.CosyVoiceConfig{
		URL:    url,
		APIKey: "test-key",
		Model:  "cosyvoice-v1",
		Voice:  "longxiaochun",
	})
}

func testRequest(text string) speech.SynthesisRequest {
	return speech.SynthesisRequest{
		Text:       text,
		Format:     "mp3",
		SampleRate: 22050,
		Volume:     50,
		Rate:       1.0,
		Pitch:      1.0,
	}
}

func TestSynthesizeConcatenatesChunksInOrder(t *testing.T) {
	server := ttsServer(t, func(conn *websocket.Conn) {
		open := readFrame(t, conn)
		require.Equal(t, actionRunTask, open.Header.Action)
		require.NotEmpty(t, open.Header.TaskID)
		require.NotNil(t, open.Payload.Parameters)
		assert.Equal(t, "longxiaochun", open.Payload.Parameters.Voice)
		assert.Equal(t, "mp3", open.Payload.Parameters.Format)

		serverTask := "srv-" + open.Header.TaskID
		require.NoError(t, conn.WriteJSON(frame{Header: header{Event: eventTaskStarted, TaskID: serverTask}}))

		text := readFrame(t, conn)
		require.Equal(t, actionContinueTask, text.Header.Action)
		assert.Equal(t, serverTask, text.Header.TaskID)
		assert.Equal(t, "hello world", text.Payload.Text)

		finish := readFrame(t, conn)
		require.Equal(t, actionFinishTask, finish.Header.Action)

		// One binary frame, one base64 event, one binary frame.
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("b1-")))
		require.NoError(t, conn.WriteJSON(frame{
			Header:  header{Event: eventResultGenerated, TaskID: serverTask},
			Payload: payload{Audio: base64.StdEncoding.EncodeToString([]byte("b2-"))},
		}))
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("b3")))
		require.NoError(t, conn.WriteJSON(frame{Header: header{Event: eventTaskFinished, TaskID: serverTask}}))
	})

	backend := newTestBackend(wsURL(server))
	audio, err := backend.Synthesize(context.Background(), testRequest("hello world"))
	require.NoError(t, err)
	assert.Equal(t, []byte("b1-b2-b3"), audio)
}

func TestSynthesizeRemoteFailure(t *testing.T) {
	server := ttsServer(t, func(conn *websocket.Conn) {
		open := readFrame(t, conn)
		require.NoError(t, conn.WriteJSON(frame{Header: header{Event: eventTaskStarted, TaskID: open.Header.TaskID}}))
		readFrame(t, conn) // continue-task
		readFrame(t, conn) // finish-task
		require.NoError(t, conn.WriteJSON(frame{Header: header{
			Event:        eventTaskFailed,
			TaskID:       open.Header.TaskID,
			ErrorCode:    "InvalidParameter",
			ErrorMessage: "voice not found",
		}}))
	})

	backend := newTestBackend(wsURL(server))
	_, err := backend.Synthesize(context.Background(), testRequest("hello"))
	require.Error(t, err)

	var remote *speech.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "InvalidParameter", remote.Code)
	assert.Equal(t, "voice not found", remote.Message)
}

func TestSynthesizeFailureBeforeStart(t *testing.T) {
	server := ttsServer(t, func(conn *websocket.Conn) {
		readFrame(t, conn)
		require.NoError(t, conn.WriteJSON(frame{Header: header{
			Event:        eventTaskFailed,
			ErrorCode:    "Unauthorized",
			ErrorMessage: "bad api key",
		}}))
	})

	backend := newTestBackend(wsURL(server))
	_, err := backend.Synthesize(context.Background(), testRequest("hello"))
	var remote *speech.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "Unauthorized", remote.Code)
}

func TestSynthesizeBusy(t *testing.T) {
	inFlight := make(chan struct{}, 2)
	release := make(chan struct{})
	server := ttsServer(t, func(conn *websocket.Conn) {
		open := readFrame(t, conn)
		inFlight <- struct{}{}
		require.NoError(t, conn.WriteJSON(frame{Header: header{Event: eventTaskStarted, TaskID: open.Header.TaskID}}))
		readFrame(t, conn)
		readFrame(t, conn)
		<-release
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("audio")))
		require.NoError(t, conn.WriteJSON(frame{Header: header{Event: eventTaskFinished, TaskID: open.Header.TaskID}}))
	})

	backend := newTestBackend(wsURL(server))

	firstDone := make(chan error, 1)
	go func() {
		_, err := backend.Synthesize(context.Background(), testRequest("slow"))
		firstDone <- err
	}()

	// The busy flag is taken before dialing, so once the server has
	// seen the open frame the first call definitely holds it.
	<-inFlight
	_, err := backend.Synthesize(context.Background(), testRequest("second"))
	assert.True(t, errors.Is(err, speech.ErrBackendBusy))

	close(release)
	require.NoError(t, <-firstDone)

	// Flag released after completion.
	_, err = backend.Synthesize(context.Background(), testRequest("third"))
	assert.True(t, !errors.Is(err, speech.ErrBackendBusy))
}

func TestSynthesizeTimeout(t *testing.T) {
	server := ttsServer(t, func(conn *websocket.Conn) {
		open := readFrame(t, conn)
		require.NoError(t, conn.WriteJSON(frame{Header: header{Event: eventTaskStarted, TaskID: open.Header.TaskID}}))
		readFrame(t, conn)
		readFrame(t, conn)
		// Never send a terminal event; wait for the client to hang up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	backend := newTestBackend(wsURL(server))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := backend.Synthesize(ctx, testRequest("stuck"))
	require.Error(t, err)
	assert.ErrorIs(t, err, speech.ErrSynthesisTimeout)
	assert.Less(t, time.Since(start), time.Second)

	// Busy flag must be released after an aborted session.
	assert.Equal(t, int32(0), atomic.LoadInt32(&backend.busy))
}

func TestSynthesizeEmptyText(t *testing.T) {
	backend := newTestBackend("ws://localhost:1")
	_, err := backend.Synthesize(context.Background(), testRequest("   "))
	assert.ErrorIs(t, err, speech.ErrEmptyText)
}

func TestSynthesizeNotConfigured(t *testing.T) {
	backend := New(speech.CosyVoiceConfig{URL: "wss://example.com"})
	_, err := backend.Synthesize(context.Background(), testRequest("hello"))
	assert.ErrorIs(t, err, speech.ErrNotConfigured)
	assert.False(t, backend.IsConfigured())
}
