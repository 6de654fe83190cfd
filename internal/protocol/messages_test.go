package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientMessageGenerate(t *testing.T) {
	raw := []byte(`{"type":"generate_request","request_id":"r1","messages":[{"role":"user","content":"hi"}],"time":123,"sign":"abc"}`)
	msg, err := ParseClientMessage(raw)
	require.NoError(t, err)

	gen, ok := msg.(ClientGenerate)
	require.True(t, ok, "message type = %T", msg)
	assert.Equal(t, "r1", gen.RequestID)
	assert.Equal(t, int64(123), gen.Time)
	assert.Equal(t, "hi", gen.LastContent())
	assert.Equal(t, RoleUser, gen.Messages[0].Role)
}

func TestParseClientMessageRejects(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = ParseClientMessage([]byte(`{"type":"generate_request","messages":[]}`))
	assert.Error(t, err)

	_, err = ParseClientMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestParseServerMessageVariants(t *testing.T) {
	msg, err := ParseServerMessage([]byte(`{"type":"text_delta","request_id":"r1","text_delta":"Hel"}`))
	require.NoError(t, err)
	assert.Equal(t, TextDelta{Type: TypeTextDelta, RequestID: "r1", TextDelta: "Hel"}, msg)

	msg, err = ParseServerMessage([]byte(`{"type":"turn_end","request_id":"r1","reason":"done"}`))
	require.NoError(t, err)
	assert.Equal(t, ReasonDone, msg.(TurnEnd).Reason)

	msg, err = ParseServerMessage([]byte(`{"type":"error_event","request_id":"r1","code":"rate_limited","status":429,"retry_after_ms":2000}`))
	require.NoError(t, err)
	ev := msg.(ErrorEvent)
	assert.Equal(t, 429, ev.Status)
	assert.Equal(t, int64(2000), ev.RetryAfterMS)
}

func TestGenerateRequestOmitsEmptyPass(t *testing.T) {
	raw, err := json.Marshal(GenerateRequest{Messages: []Turn{{Role: RoleUser, Content: "x"}}, Time: 1, Sign: "s"})
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"pass"`)
	assert.Contains(t, string(raw), `"sign":"s"`)
}

func TestLastContentEmpty(t *testing.T) {
	assert.Equal(t, "", GenerateRequest{}.LastContent())
	assert.True(t, RoleAssistant.Valid())
	assert.False(t, Role("tool").Valid())
}
