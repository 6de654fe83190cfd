package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/chirpchat/internal/protocol"
	"github.com/ent0n29/chirpchat/internal/reliability"
)

// HTTPAdapter posts to an OpenAI-compatible chat completions endpoint and
// parses its server-sent events by hand.
type HTTPAdapter struct {
	url         string
	model       string
	temperature float32
	client      *http.Client
}

func NewHTTPAdapter(url, model string, temperature *float32) *HTTPAdapter {
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	return &HTTPAdapter{
		url:         strings.TrimSpace(url),
		model:       model,
		temperature: temperatureOrDefault(temperature),
		client:      &http.Client{},
	}
}

type httpCompletionRequest struct {
	Model       string          `json:"model"`
	Messages    []protocol.Turn `json:"messages"`
	Temperature float32         `json:"temperature"`
	Stream      bool            `json:"stream"`
}

func (a *HTTPAdapter) StreamCompletion(ctx context.Context, req CompletionRequest, onDelta DeltaHandler) (CompletionResponse, error) {
	payload, err := json.Marshal(httpCompletionRequest{
		Model:       a.model,
		Messages:    req.Messages,
		Temperature: a.temperature,
		Stream:      true,
	})
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	res, err := a.client.Do(httpReq)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return CompletionResponse{}, &StatusError{
			StatusCode: res.StatusCode,
			RetryAfter: reliability.ParseRetryAfter(res.Header.Get("Retry-After"), time.Now()),
			Message:    strings.TrimSpace(string(body)),
		}
	}
	return consumeSSE(res.Body, onDelta)
}

func consumeSSE(body io.Reader, onDelta DeltaHandler) (CompletionResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		delta, err := extractDelta(data)
		if err != nil {
			return CompletionResponse{}, err
		}
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
	if err := scanner.Err(); err != nil {
		return CompletionResponse{}, fmt.Errorf("stream read: %w", err)
	}
	return CompletionResponse{Text: out.String()}, nil
}

type sseChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func extractDelta(data string) (string, error) {
	var chunk sseChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return "", fmt.Errorf("decode stream event: %w", err)
	}
	if chunk.Error != nil {
		return "", fmt.Errorf("upstream stream error: %s", chunk.Error.Message)
	}
	if len(chunk.Choices) == 0 {
		return "", nil
	}
	return chunk.Choices[0].Delta.Content, nil
}
