package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/ent0n29/chirpchat/internal/reliability"
)

// OpenAIAdapter streams from the OpenAI chat completions API or any
// compatible base URL.
type OpenAIAdapter struct {
	client      *openai.Client
	model       string
	temperature float32
}

func NewOpenAIAdapter(cfg Config) (*OpenAIAdapter, error) {
	clientCfg := openai.DefaultConfig(strings.TrimSpace(cfg.APIKey))
	clientCfg.BaseURL = apiBaseURL(cfg.BaseURL)

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if p := strings.TrimSpace(cfg.ProxyURL); p != "" {
		proxy, err := url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("parse HTTPS_PROXY: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}
	clientCfg.HTTPClient = &http.Client{Transport: retryAfterTransport{next: transport}}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	temp := temperatureOrDefault(cfg.Temperature)
	if temp == 0 {
		// go-openai omits a zero temperature from the request body.
		temp = math.SmallestNonzeroFloat32
	}
	return &OpenAIAdapter{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		temperature: temp,
	}, nil
}

// apiBaseURL trims a trailing slash and appends the API version path.
func apiBaseURL(base string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		base = DefaultBaseURL
	}
	return strings.TrimRight(base, "/") + "/v1"
}

func (a *OpenAIAdapter) StreamCompletion(ctx context.Context, req CompletionRequest, onDelta DeltaHandler) (CompletionResponse, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}

	hint := &retryAfterHint{}
	ctx = context.WithValue(ctx, retryAfterKey{}, hint)
	stream, err := a.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       a.model,
		Messages:    msgs,
		Temperature: a.temperature,
		Stream:      true,
	})
	if err != nil {
		return CompletionResponse{}, mapOpenAIError(err, hint.get())
	}
	defer stream.Close()

	var out strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return CompletionResponse{}, fmt.Errorf("openai stream: %w", mapOpenAIError(err, hint.get()))
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return CompletionResponse{}, err
			}
		}
	}
	return CompletionResponse{Text: out.String()}, nil
}

func mapOpenAIError(err error, retryAfter time.Duration) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &StatusError{StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message, RetryAfter: retryAfter}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &StatusError{StatusCode: reqErr.HTTPStatusCode, Message: http.StatusText(reqErr.HTTPStatusCode), RetryAfter: retryAfter}
	}
	return err
}

// go-openai errors do not carry response headers, so the transport records
// Retry-After into a hint stored on the request context.
type retryAfterKey struct{}

type retryAfterHint struct {
	mu    sync.Mutex
	value time.Duration
}

func (h *retryAfterHint) set(d time.Duration) {
	h.mu.Lock()
	h.value = d
	h.mu.Unlock()
}

func (h *retryAfterHint) get() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.value
}

type retryAfterTransport struct {
	next http.RoundTripper
}

func (t retryAfterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	res, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if hint, ok := req.Context().Value(retryAfterKey{}).(*retryAfterHint); ok && res.StatusCode >= 400 {
		hint.set(reliability.ParseRetryAfter(res.Header.Get("Retry-After"), time.Now()))
	}
	return res, nil
}
