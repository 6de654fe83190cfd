package upstream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/chirpchat/internal/protocol"
)

func TestNewAdapterModes(t *testing.T) {
	a, err := NewAdapter(Config{})
	require.NoError(t, err)
	assert.IsType(t, &MockAdapter{}, a)

	a, err = NewAdapter(Config{Mode: "auto", HTTPURL: "http://127.0.0.1:1/v1/chat/completions"})
	require.NoError(t, err)
	assert.IsType(t, &HTTPAdapter{}, a)

	a, err = NewAdapter(Config{Mode: "auto", APIKey: "sk-test", HTTPURL: "http://ignored"})
	require.NoError(t, err)
	assert.IsType(t, &OpenAIAdapter{}, a)

	a, err = NewAdapter(Config{Mode: "mock", Retries: 2})
	require.NoError(t, err)
	assert.IsType(t, &RetryAdapter{}, a)

	_, err = NewAdapter(Config{Mode: "openai"})
	assert.Error(t, err)
	_, err = NewAdapter(Config{Mode: "http"})
	assert.Error(t, err)
	_, err = NewAdapter(Config{Mode: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestAPIBaseURL(t *testing.T) {
	assert.Equal(t, "https://api.openai.com/v1", apiBaseURL(""))
	assert.Equal(t, "https://proxy.example/v1", apiBaseURL("https://proxy.example/"))
	assert.Equal(t, "http://localhost:9000/v1", apiBaseURL(" http://localhost:9000 "))
}

func TestMockAdapterStreamsWordByWord(t *testing.T) {
	var deltas []string
	resp, err := NewMockAdapter().StreamCompletion(context.Background(), CompletionRequest{
		Messages: []protocol.Turn{
			{Role: protocol.RoleSystem, Content: "rules"},
			{Role: protocol.RoleUser, Content: "good morning"},
		},
	}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "I heard you: good morning", resp.Text)
	assert.Equal(t, []string{"I ", "heard ", "you: ", "good ", "morning"}, deltas)
}

func TestMockAdapterHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMockAdapter().StreamCompletion(ctx, CompletionRequest{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
