package upstream

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/chirpchat/internal/protocol"
)

// MockAdapter provides deterministic local replies when no provider is
// configured.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

// StreamCompletion echoes the last user turn, one word per delta.
func (a *MockAdapter) StreamCompletion(ctx context.Context, req CompletionRequest, onDelta DeltaHandler) (CompletionResponse, error) {
	text := buildMockReply(req)
	var out strings.Builder
	for _, word := range strings.SplitAfter(text, " ") {
		if err := ctx.Err(); err != nil {
			return CompletionResponse{}, err
		}
		if word == "" {
			continue
		}
		out.WriteString(word)
		if onDelta != nil {
			if err := onDelta(word); err != nil {
				return CompletionResponse{}, err
			}
		}
	}
	return CompletionResponse{Text: out.String()}, nil
}

func buildMockReply(req CompletionRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		m := req.Messages[i]
		if m.Role != protocol.RoleUser {
			continue
		}
		if base := strings.TrimSpace(m.Content); base != "" {
			return fmt.Sprintf("I heard you: %s", base)
		}
	}
	return "I am listening."
}
