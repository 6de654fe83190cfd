package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/chirpchat/internal/protocol"
)

const wsWriteTimeout = 2 * time.Second

// WSTransport streams one generation over a dedicated websocket connection.
type WSTransport struct {
	url    string
	dialer websocket.Dialer
}

func NewWSTransport(baseURL string) (*WSTransport, error) {
	u, err := websocketURL(baseURL)
	if err != nil {
		return nil, err
	}
	return &WSTransport{
		url: u,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 5 * time.Second,
		},
	}, nil
}

func websocketURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("relay url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + generateWSPath
	return u.String(), nil
}

// Open sends the request and waits for the relay's first answer. A rejection
// is returned as *StatusError; otherwise the returned body yields text deltas
// until the turn ends.
func (t *WSTransport) Open(ctx context.Context, req protocol.GenerateRequest) (io.ReadCloser, error) {
	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	requestID := uuid.NewString()
	msg := protocol.ClientGenerate{
		Type:            protocol.TypeGenerateRequest,
		RequestID:       requestID,
		GenerateRequest: req,
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		stop()
		_ = conn.Close()
		return nil, fmt.Errorf("send generate_request: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	first, err := nextServerMessage(conn, requestID)
	if err != nil {
		stop()
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read relay response: %w", err)
	}
	if ev, ok := first.(protocol.ErrorEvent); ok {
		stop()
		_ = conn.Close()
		return nil, &StatusError{
			StatusCode: ev.Status,
			Code:       ev.Code,
			Message:    ev.Detail,
			RetryAfter: time.Duration(ev.RetryAfterMS) * time.Millisecond,
		}
	}
	// From here on the stream reader owns cancellation through Close.
	stop()

	pr, pw := io.Pipe()
	body := &wsBody{pr: pr, conn: conn, requestID: requestID}
	go body.pump(first, pw)
	return body, nil
}

func nextServerMessage(conn *websocket.Conn, requestID string) (any, error) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			continue
		}
		if messageRequestID(msg) != requestID {
			continue
		}
		return msg, nil
	}
}

func messageRequestID(msg any) string {
	switch m := msg.(type) {
	case protocol.TextDelta:
		return m.RequestID
	case protocol.TurnEnd:
		return m.RequestID
	case protocol.ErrorEvent:
		return m.RequestID
	default:
		return ""
	}
}

type wsBody struct {
	pr        *io.PipeReader
	conn      *websocket.Conn
	requestID string
	once      sync.Once
}

func (b *wsBody) Read(p []byte) (int, error) { return b.pr.Read(p) }

// Close tells the relay to stop generating and drops the connection.
func (b *wsBody) Close() error {
	b.once.Do(func() {
		_ = b.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		_ = b.conn.WriteJSON(protocol.ClientCancel{Type: protocol.TypeCancel, RequestID: b.requestID})
		_ = b.conn.Close()
		_ = b.pr.Close()
	})
	return nil
}

func (b *wsBody) pump(first any, pw *io.PipeWriter) {
	msg := first
	for {
		done, err := b.deliver(msg, pw)
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if done {
			_ = pw.Close()
			return
		}
		msg, err = nextServerMessage(b.conn, b.requestID)
		if err != nil {
			_ = pw.CloseWithError(fmt.Errorf("relay connection: %w", err))
			return
		}
	}
}

func (b *wsBody) deliver(msg any, pw *io.PipeWriter) (bool, error) {
	switch m := msg.(type) {
	case protocol.TextDelta:
		if m.TextDelta == "" {
			return false, nil
		}
		_, err := pw.Write([]byte(m.TextDelta))
		return false, err
	case protocol.TurnEnd:
		if m.Reason == protocol.ReasonDone {
			return true, nil
		}
		return false, fmt.Errorf("relay ended turn: %s %s", m.Reason, m.Detail)
	case protocol.ErrorEvent:
		return false, fmt.Errorf("relay error %s: %s", m.Code, m.Detail)
	default:
		return false, nil
	}
}
