package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/chirpchat/internal/protocol"
)

func TestOpenAIAdapterStreamsChunks(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, d := range []string{"Hel", "lo"} {
			_, _ = fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", d)
			flusher.Flush()
		}
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	a, err := NewOpenAIAdapter(Config{APIKey: "sk-test", BaseURL: srv.URL + "/"})
	require.NoError(t, err)

	var deltas []string
	resp, err := a.StreamCompletion(context.Background(), CompletionRequest{
		Messages: []protocol.Turn{
			{Role: protocol.RoleSystem, Content: "rules"},
			{Role: protocol.RoleUser, Content: "hi"},
		},
	}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", resp.Text)
	assert.Equal(t, []string{"Hel", "lo"}, deltas)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, DefaultModel, gotBody["model"])
	assert.Equal(t, true, gotBody["stream"])
	assert.InDelta(t, DefaultTemperature, gotBody["temperature"], 0.001)
}

func TestOpenAIAdapterMapsStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = fmt.Fprint(w, `{"error":{"message":"slow down","type":"rate_limit_exceeded"}}`)
	}))
	defer srv.Close()

	a, err := NewOpenAIAdapter(Config{APIKey: "sk-test", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = a.StreamCompletion(context.Background(), CompletionRequest{
		Messages: []protocol.Turn{{Role: protocol.RoleUser, Content: "hi"}},
	}, nil)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.Zero(t, se.RetryAfter)
}

func TestOpenAIAdapterCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = fmt.Fprint(w, `{"error":{"message":"slow down","type":"rate_limit_exceeded"}}`)
	}))
	defer srv.Close()

	a, err := NewOpenAIAdapter(Config{APIKey: "sk-test", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = a.StreamCompletion(context.Background(), CompletionRequest{
		Messages: []protocol.Turn{{Role: protocol.RoleUser, Content: "hi"}},
	}, nil)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.Equal(t, 12*time.Second, se.RetryAfter)
}

func TestOpenAIAdapterSendsZeroTemperature(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	zero := float32(0)
	a, err := NewOpenAIAdapter(Config{APIKey: "sk-test", BaseURL: srv.URL, Temperature: &zero})
	require.NoError(t, err)
	_, err = a.StreamCompletion(context.Background(), CompletionRequest{
		Messages: []protocol.Turn{{Role: protocol.RoleUser, Content: "hi"}},
	}, nil)
	require.NoError(t, err)
	require.Contains(t, gotBody, "temperature")
	assert.InDelta(t, 0, gotBody["temperature"], 0.0001)
}

func TestOpenAIAdapterRejectsBadProxy(t *testing.T) {
	_, err := NewOpenAIAdapter(Config{APIKey: "sk-test", ProxyURL: "://bad"})
	assert.Error(t, err)
}
