package chat

import (
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

const (
	generatePath   = "/api/generate"
	generateWSPath = "/api/generate/ws"
)

// HTTPTransport posts each request to the relay and returns the chunked
// response body unread.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport builds a transport for the relay at baseURL. A nil client
// uses one without an overall timeout, since responses stream for as long as
// the model keeps generating.
func NewHTTPTransport(baseURL string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  client,
	}
}

func (t *HTTPTransport) Open(ctx context.Context, req protocol.GenerateRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+generatePath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/plain")

	res, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer res.Body.Close()
		return nil, decodeStatusError(res)
	}
	return res.Body, nil
}

func decodeStatusError(res *http.Response) *StatusError {
	se := &StatusError{
		StatusCode: res.StatusCode,
		RetryAfter: reliability.ParseRetryAfter(res.Header.Get("Retry-After"), time.Now()),
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
	var payload protocol.ErrorResponse
	if err := json.Unmarshal(body, &payload); err == nil && (payload.Error != "" || payload.Code != "") {
		se.Code = payload.Code
		se.Message = payload.Error
		return se
	}
	se.Message = strings.TrimSpace(string(body))
	if se.Message == "" {
		se.Message = http.StatusText(res.StatusCode)
	}
	return se
}
