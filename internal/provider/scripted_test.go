package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/runplane/runplane/pkg/api/v1"
)

func echoRequest() *v1.StartRunRequest {
	return &v1.StartRunRequest{
		Provider: v1.ProviderClaudeCode,
		Model:    "sonnet",
		Messages: []v1.Message{{Role: v1.RoleUser, Content: "hello world"}},
	}
}

func collect(t *testing.T, h Handle) []Chunk {
	t.Helper()
	var chunks []Chunk
	timeout := time.After(2 * time.Second)
	for {
		select {
		case chunk, ok := <-h.Stream():
			if !ok {
				return chunks
			}
			chunks = append(chunks, chunk)
		case <-timeout:
			t.Fatal("timeout draining provider stream")
		}
	}
}

func TestEchoScriptEndsWithTerminalChunk(t *testing.T) {
	adapter := NewScripted(v1.ProviderClaudeCode, Capabilities{Resume: true}, nil)

	h, err := adapter.Run(context.Background(), echoRequest())
	require.NoError(t, err)

	chunks := collect(t, h)
	require.NotEmpty(t, chunks)

	last := chunks[len(chunks)-1]
	assert.Equal(t, ChunkRunFinished, last.Type)
	assert.Equal(t, v1.RunStatusSucceeded, last.Status)
	require.NotNil(t, last.Usage)
	assert.Equal(t, last.Usage.InputTokens+last.Usage.OutputTokens, last.Usage.TotalTokens)

	var text string
	for _, chunk := range chunks[:len(chunks)-1] {
		assert.Equal(t, ChunkMessageDelta, chunk.Type)
		text += chunk.Text
	}
	assert.Equal(t, "hello world", text)
}

func TestScriptedStopClosesStream(t *testing.T) {
	// A script that never terminates on its own.
	endless := func(req *v1.StartRunRequest) []Chunk {
		chunks := make([]Chunk, 10000)
		for i := range chunks {
			chunks[i] = Chunk{Type: ChunkMessageDelta, Text: "x"}
		}
		return chunks
	}
	adapter := NewScripted(v1.ProviderOpenCode, Capabilities{}, endless)

	h, err := adapter.Run(context.Background(), echoRequest())
	require.NoError(t, err)

	<-h.Stream()
	require.NoError(t, h.Stop(context.Background()))
	require.NoError(t, h.Stop(context.Background()))

	// Stream drains and closes shortly after Stop.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-h.Stream():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream did not close after Stop")
		}
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewScripted(v1.ProviderClaudeCode, Capabilities{HumanLoop: true}, nil))

	a, err := reg.Get(v1.ProviderClaudeCode)
	require.NoError(t, err)
	assert.True(t, a.Capabilities().HumanLoop)

	_, err = reg.Get(v1.ProviderCodexCLI)
	assert.ErrorIs(t, err, ErrUnknownProvider)

	assert.Len(t, reg.List(), 1)
}
