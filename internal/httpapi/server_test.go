package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/chirpchat/internal/config"
	"github.com/ent0n29/chirpchat/internal/observability"
	"github.com/ent0n29/chirpchat/internal/protocol"
	"github.com/ent0n29/chirpchat/internal/ratelimit"
	"github.com/ent0n29/chirpchat/internal/signature"
	"github.com/ent0n29/chirpchat/internal/upstream"
)

type scriptAdapter struct {
	deltas []string
	err    error
	hold   bool

	mu   sync.Mutex
	seen []upstream.CompletionRequest
}

func (a *scriptAdapter) StreamCompletion(ctx context.Context, req upstream.CompletionRequest, onDelta upstream.DeltaHandler) (upstream.CompletionResponse, error) {
	a.mu.Lock()
	a.seen = append(a.seen, req)
	a.mu.Unlock()

	var text strings.Builder
	for _, d := range a.deltas {
		if err := onDelta(d); err != nil {
			return upstream.CompletionResponse{}, err
		}
		text.WriteString(d)
	}
	if a.hold {
		<-ctx.Done()
		return upstream.CompletionResponse{}, ctx.Err()
	}
	if a.err != nil {
		return upstream.CompletionResponse{}, a.err
	}
	return upstream.CompletionResponse{Text: text.String()}, nil
}

func (a *scriptAdapter) requests() []upstream.CompletionRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]upstream.CompletionRequest(nil), a.seen...)
}

func newTestServer(t *testing.T, cfg config.Config, adapter upstream.Adapter, limiter *ratelimit.Manager) *httptest.Server {
	t.Helper()
	srv := New(cfg, adapter, limiter, observability.NewMetrics("test_httpapi"), zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postGenerate(t *testing.T, ts *httptest.Server, req protocol.GenerateRequest) *http.Response {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	res, err := http.Post(ts.URL+"/api/generate", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func userRequest(content string) protocol.GenerateRequest {
	return protocol.GenerateRequest{
		Messages: []protocol.Turn{
			{Role: protocol.RoleSystem, Content: "be nice"},
			{Role: protocol.RoleUser, Content: content},
		},
		Time: time.Now().UnixMilli(),
	}
}

func decodeErrorResponse(t *testing.T, res *http.Response) protocol.ErrorResponse {
	t.Helper()
	var out protocol.ErrorResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	return out
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, config.Config{SitePassword: "pw"}, &scriptAdapter{}, ratelimit.NewManager(1, 1, time.Minute))

	res, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.NotEmpty(t, res.Header.Get("X-Request-Id"))

	ready, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	defer ready.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(ready.Body).Decode(&body))
	assert.Equal(t, true, body["password_required"])
	assert.Equal(t, false, body["signature_required"])
	assert.Equal(t, true, body["rate_limited"])
}

func TestGenerateStreamsDeltas(t *testing.T) {
	adapter := &scriptAdapter{deltas: []string{"Hello, ", "I am ", "chatGPT"}}
	ts := newTestServer(t, config.Config{}, adapter, nil)

	res := postGenerate(t, ts, userRequest("who are you?"))
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", res.Header.Get("Content-Type"))
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "Hello, I am chatGPT", string(body), "relay forwards text unfiltered by default")

	seen := adapter.requests()
	require.Len(t, seen, 1)
	msgs := seen[0].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, protocol.Turn{Role: protocol.RoleSystem, Content: Preamble}, msgs[0])
	assert.Equal(t, "who are you?", msgs[2].Content)
}

func TestGenerateFiltersServerSide(t *testing.T) {
	adapter := &scriptAdapter{deltas: []string{"I am open", "AI, and chat ", "GPT too"}}
	ts := newTestServer(t, config.Config{FilterServerSide: true}, adapter, nil)

	res := postGenerate(t, ts, userRequest("hi"))
	require.Equal(t, http.StatusOK, res.StatusCode)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "I am 叽喳聊天, and 叽喳聊天 too", string(body))
}

func TestGenerateEmptyReplyIsOK(t *testing.T) {
	ts := newTestServer(t, config.Config{}, &scriptAdapter{}, nil)

	res := postGenerate(t, ts, userRequest("hi"))
	require.Equal(t, http.StatusOK, res.StatusCode)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Empty(t, body)
}

func TestGenerateRejectsMissingInput(t *testing.T) {
	adapter := &scriptAdapter{deltas: []string{"never"}}
	ts := newTestServer(t, config.Config{}, adapter, nil)

	res, err := http.Post(ts.URL+"/api/generate", "application/json", strings.NewReader(""))
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "no_input", decodeErrorResponse(t, res).Code)

	empty := postGenerate(t, ts, protocol.GenerateRequest{})
	assert.Equal(t, http.StatusBadRequest, empty.StatusCode)
	assert.Equal(t, "no_input", decodeErrorResponse(t, empty).Code)

	bad, err := http.Post(ts.URL+"/api/generate", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
	assert.Equal(t, CodeInvalidRequest, decodeErrorResponse(t, bad).Code)

	truncated, err := http.Post(ts.URL+"/api/generate", "application/json", strings.NewReader(`{"messages":[{"role":"user"`))
	require.NoError(t, err)
	defer truncated.Body.Close()
	assert.Equal(t, http.StatusBadRequest, truncated.StatusCode)
	assert.Equal(t, CodeInvalidRequest, decodeErrorResponse(t, truncated).Code)

	assert.Empty(t, adapter.requests())
}

func TestGenerateRejectsUnknownRole(t *testing.T) {
	ts := newTestServer(t, config.Config{}, &scriptAdapter{}, nil)
	req := protocol.GenerateRequest{Messages: []protocol.Turn{{Role: "narrator", Content: "x"}}}

	res := postGenerate(t, ts, req)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, CodeInvalidRequest, decodeErrorResponse(t, res).Code)
}

func TestGenerateChecksPassword(t *testing.T) {
	adapter := &scriptAdapter{deltas: []string{"ok"}}
	ts := newTestServer(t, config.Config{SitePassword: "letmein"}, adapter, nil)

	req := userRequest("hi")
	req.Pass = "wrong"
	res := postGenerate(t, ts, req)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_password", decodeErrorResponse(t, res).Code)
	assert.Empty(t, adapter.requests())

	req.Pass = "letmein"
	ok := postGenerate(t, ts, req)
	assert.Equal(t, http.StatusOK, ok.StatusCode)
}

func TestGenerateChecksSignature(t *testing.T) {
	cfg := config.Config{SignRequired: true, SignSecret: "s3cret", SignMaxSkew: time.Minute}
	ts := newTestServer(t, cfg, &scriptAdapter{deltas: []string{"ok"}}, nil)

	req := userRequest("hi")
	req.Sign = "bogus"
	res := postGenerate(t, ts, req)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_signature", decodeErrorResponse(t, res).Code)

	req.Sign = signature.Sign("s3cret", req.Time, req.LastContent())
	ok := postGenerate(t, ts, req)
	assert.Equal(t, http.StatusOK, ok.StatusCode)
}

func TestGenerateRateLimits(t *testing.T) {
	ts := newTestServer(t, config.Config{}, &scriptAdapter{deltas: []string{"ok"}}, ratelimit.NewManager(0.1, 1, time.Minute))

	first := postGenerate(t, ts, userRequest("one"))
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second := postGenerate(t, ts, userRequest("two"))
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.NotEmpty(t, second.Header.Get("Retry-After"))
	assert.Equal(t, CodeRateLimited, decodeErrorResponse(t, second).Code)
}

func TestGenerateMapsUpstreamFailures(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		status     int
		code       string
		retryAfter string
	}{
		{"busy", &upstream.StatusError{StatusCode: 429, RetryAfter: 1500 * time.Millisecond}, http.StatusTooManyRequests, CodeRateLimited, "2"},
		{"server", &upstream.StatusError{StatusCode: 500}, http.StatusBadGateway, CodeUpstreamFailed, ""},
		{"network", errors.New("dial tcp: refused"), http.StatusBadGateway, CodeUpstreamFailed, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, config.Config{}, &scriptAdapter{err: tc.err}, nil)
			res := postGenerate(t, ts, userRequest("hi"))
			assert.Equal(t, tc.status, res.StatusCode)
			assert.Equal(t, tc.retryAfter, res.Header.Get("Retry-After"))
			assert.Equal(t, tc.code, decodeErrorResponse(t, res).Code)
		})
	}
}

func TestGenerateAbortsOnMidStreamFailure(t *testing.T) {
	adapter := &scriptAdapter{deltas: []string{"partial "}, err: errors.New("upstream reset")}
	ts := newTestServer(t, config.Config{}, adapter, nil)

	res := postGenerate(t, ts, userRequest("hi"))
	require.Equal(t, http.StatusOK, res.StatusCode)
	_, err := io.ReadAll(res.Body)
	assert.Error(t, err, "a broken stream must not look like a short answer")
}

func TestStatsReportsStages(t *testing.T) {
	ts := newTestServer(t, config.Config{}, &scriptAdapter{deltas: []string{"ok"}}, nil)
	res := postGenerate(t, ts, userRequest("hi"))
	_, _ = io.ReadAll(res.Body)

	stats, err := http.Get(ts.URL + "/api/stats")
	require.NoError(t, err)
	defer stats.Body.Close()
	var snap observability.LatencySnapshot
	require.NoError(t, json.NewDecoder(stats.Body).Decode(&snap))
	samples := map[string]int{}
	for _, st := range snap.Stages {
		samples[st.Stage] = st.Samples
	}
	assert.Equal(t, 1, samples[observability.StageFirstDelta])
	assert.Equal(t, 1, samples[observability.StageCompletion])
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/generate/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readServerMessage(t *testing.T, conn *websocket.Conn) any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.ParseServerMessage(data)
	require.NoError(t, err)
	return msg
}

func sendGenerate(t *testing.T, conn *websocket.Conn, id string, req protocol.GenerateRequest) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(protocol.ClientGenerate{
		Type:            protocol.TypeGenerateRequest,
		RequestID:       id,
		GenerateRequest: req,
	}))
}

func TestGenerateWSStreamsUntilTurnEnd(t *testing.T) {
	ts := newTestServer(t, config.Config{}, &scriptAdapter{deltas: []string{"Hel", "lo"}}, nil)
	conn := dialWS(t, ts)

	sendGenerate(t, conn, "r1", userRequest("hi"))

	var text strings.Builder
	for {
		switch m := readServerMessage(t, conn).(type) {
		case protocol.TextDelta:
			assert.Equal(t, "r1", m.RequestID)
			text.WriteString(m.TextDelta)
			continue
		case protocol.TurnEnd:
			assert.Equal(t, "r1", m.RequestID)
			assert.Equal(t, protocol.ReasonDone, m.Reason)
		default:
			t.Fatalf("unexpected message %#v", m)
		}
		break
	}
	assert.Equal(t, "Hello", text.String())
}

func TestGenerateWSSendsRejections(t *testing.T) {
	ts := newTestServer(t, config.Config{SitePassword: "letmein"}, &scriptAdapter{deltas: []string{"never"}}, nil)
	conn := dialWS(t, ts)

	sendGenerate(t, conn, "r1", userRequest("hi"))
	ev, ok := readServerMessage(t, conn).(protocol.ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, "r1", ev.RequestID)
	assert.Equal(t, http.StatusUnauthorized, ev.Status)
	assert.Equal(t, "invalid_password", ev.Code)
}

func TestGenerateWSRejectsBadFrames(t *testing.T) {
	ts := newTestServer(t, config.Config{}, &scriptAdapter{}, nil)
	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"generate_request"}`)))
	ev, ok := readServerMessage(t, conn).(protocol.ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidRequest, ev.Code)
	assert.Equal(t, http.StatusBadRequest, ev.Status)
}

func TestGenerateWSCancel(t *testing.T) {
	ts := newTestServer(t, config.Config{}, &scriptAdapter{deltas: []string{"partial"}, hold: true}, nil)
	conn := dialWS(t, ts)

	sendGenerate(t, conn, "r1", userRequest("hi"))
	delta, ok := readServerMessage(t, conn).(protocol.TextDelta)
	require.True(t, ok)
	assert.Equal(t, "partial", delta.TextDelta)

	// A cancel for another request is ignored.
	require.NoError(t, conn.WriteJSON(protocol.ClientCancel{Type: protocol.TypeCancel, RequestID: "other"}))
	require.NoError(t, conn.WriteJSON(protocol.ClientCancel{Type: protocol.TypeCancel, RequestID: "r1"}))

	end, ok := readServerMessage(t, conn).(protocol.TurnEnd)
	require.True(t, ok)
	assert.Equal(t, "r1", end.RequestID)
	assert.Equal(t, protocol.ReasonCancelled, end.Reason)
}

func TestGenerateWSNewRequestSupersedes(t *testing.T) {
	ts := newTestServer(t, config.Config{}, &scriptAdapter{deltas: []string{"first"}, hold: true}, nil)
	conn := dialWS(t, ts)

	sendGenerate(t, conn, "r1", userRequest("one"))
	_, ok := readServerMessage(t, conn).(protocol.TextDelta)
	require.True(t, ok)

	sendGenerate(t, conn, "r2", userRequest("two"))
	end, ok := readServerMessage(t, conn).(protocol.TurnEnd)
	require.True(t, ok)
	assert.Equal(t, "r1", end.RequestID)
	assert.Equal(t, protocol.ReasonCancelled, end.Reason)

	delta, ok := readServerMessage(t, conn).(protocol.TextDelta)
	require.True(t, ok)
	assert.Equal(t, "r2", delta.RequestID)
}
