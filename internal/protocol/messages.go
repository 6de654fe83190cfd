package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Role tags one turn of a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// Turn is one role-tagged message.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest is the body a client posts to the relay.
type GenerateRequest struct {
	Messages []Turn `json:"messages"`
	Time     int64  `json:"time"`
	Pass     string `json:"pass,omitempty"`
	Sign     string `json:"sign"`
}

// LastContent is the content the request signature binds.
func (r GenerateRequest) LastContent() string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[len(r.Messages)-1].Content
}

// ErrorResponse is the JSON body of every relay rejection.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeGenerateRequest MessageType = "generate_request"
	TypeCancel          MessageType = "cancel"
	TypeTextDelta       MessageType = "text_delta"
	TypeTurnEnd         MessageType = "turn_end"
	TypeErrorEvent      MessageType = "error_event"
)

// Turn end reasons.
const (
	ReasonDone      = "done"
	ReasonCancelled = "cancelled"
	ReasonError     = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientGenerate struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id"`
	GenerateRequest
}

type ClientCancel struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
}

type TextDelta struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id"`
	TextDelta string      `json:"text_delta"`
}

type TurnEnd struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id"`
	Reason    string      `json:"reason"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type         MessageType `json:"type"`
	RequestID    string      `json:"request_id"`
	Code         string      `json:"code"`
	Status       int         `json:"status"`
	Detail       string      `json:"detail"`
	RetryAfterMS int64       `json:"retry_after_ms,omitempty"`
}

// ParseClientMessage decodes a websocket frame sent by a chat client.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeGenerateRequest:
		var msg ClientGenerate
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.RequestID) == "" {
			return nil, errors.New("invalid generate_request: missing request_id")
		}
		return msg, nil
	case TypeCancel:
		var msg ClientCancel
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// ParseServerMessage decodes a websocket frame sent by the relay.
func ParseServerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	var out any
	switch env.Type {
	case TypeTextDelta:
		var msg TextDelta
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		out = msg
	case TypeTurnEnd:
		var msg TurnEnd
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		out = msg
	case TypeErrorEvent:
		var msg ErrorEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		out = msg
	default:
		return nil, ErrUnsupportedType
	}
	return out, nil
}
