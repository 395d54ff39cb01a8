package mock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapspeak/tapspeak/speech"
)

func TestSynthesizeReturnsDeterministicAudio(t *testing.T) {
	backend := New(speech.MockConfig{})

	audio, err := backend.Synthesize(context.Background(), speech.SynthesisRequest{Text: "hello", Voice: "v1"})
	require.NoError(t, err)
	assert.Equal(t, []byte("mock-audio(v1/hello)"), audio)
	assert.Equal(t, int64(1), backend.Calls())
	assert.True(t, backend.IsConfigured())
}

func TestSynthesizeEmptyText(t *testing.T) {
	backend := New(speech.MockConfig{})
	_, err := backend.Synthesize(context.Background(), speech.SynthesisRequest{Text: "  "})
	assert.ErrorIs(t, err, speech.ErrEmptyText)
	assert.Zero(t, backend.Calls())
}

func TestSynthesizeFailureRate(t *testing.T) {
	backend := New(speech.MockConfig{FailureRate: 1.0})

	_, err := backend.Synthesize(context.Background(), speech.SynthesisRequest{Text: "hello"})
	require.Error(t, err)

	var remote *speech.RemoteError
	assert.ErrorAs(t, err, &remote)
}

func TestSynthesizeHonorsContextDuringDelay(t *testing.T) {
	backend := New(speech.MockConfig{GenerationDelay: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := backend.Synthesize(ctx, speech.SynthesisRequest{Text: "slow"})
	assert.ErrorIs(t, err, speech.ErrSynthesisTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSynthesizeBusy(t *testing.T) {
	backend := New(speech.MockConfig{GenerationDelay: 200 * time.Millisecond})

	started := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		close(started)
		_, err := backend.Synthesize(context.Background(), speech.SynthesisRequest{Text: "first"})
		firstDone <- err
	}()

	<-started
	time.Sleep(20 * time.Millisecond)
	_, err := backend.Synthesize(context.Background(), speech.SynthesisRequest{Text: "second"})
	assert.ErrorIs(t, err, speech.ErrBackendBusy)

	require.NoError(t, <-firstDone)
}
