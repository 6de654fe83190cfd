package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/chirpchat/internal/protocol"
	"github.com/ent0n29/chirpchat/internal/ratelimit"
)

const (
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// wsConn runs at most one generation at a time; a new generate_request
// cancels the one in flight.
type wsConn struct {
	srv       *Server
	ctx       context.Context
	clientKey string
	outbound  chan any
	log       *zerolog.Logger

	mu       sync.Mutex
	activeID string
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func (s *Server) handleGenerateWS(w http.ResponseWriter, r *http.Request) {
	clientKey := ratelimit.ClientKey(r, s.cfg.TrustProxy)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsConn{
		srv:       s,
		ctx:       ctx,
		clientKey: clientKey,
		outbound:  make(chan any, 256),
		log:       zerolog.Ctx(r.Context()),
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-c.outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			c.send(protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   CodeInvalidRequest,
				Status: http.StatusBadRequest,
				Detail: err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}

		switch m := parsed.(type) {
		case protocol.ClientGenerate:
			c.start(m)
		case protocol.ClientCancel:
			c.stop(m.RequestID)
		}
	}

	c.stop("")
	c.wg.Wait()
	cancel()
	<-writerDone
}

// send queues msg for the writer. Frames for a closed connection are dropped.
func (c *wsConn) send(msg any) {
	select {
	case <-c.ctx.Done():
	case c.outbound <- msg:
	}
}

func (c *wsConn) start(m protocol.ClientGenerate) {
	c.stop("")
	c.wg.Wait()

	ctx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	c.activeID = m.RequestID
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.generate(ctx, m)
		c.mu.Lock()
		if c.activeID == m.RequestID {
			c.activeID = ""
			c.cancel = nil
		}
		c.mu.Unlock()
	}()
}

// stop cancels the active generation when id matches it or is empty.
func (c *wsConn) stop(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return
	}
	if id != "" && id != c.activeID {
		return
	}
	c.cancel()
}

func (c *wsConn) generate(ctx context.Context, m protocol.ClientGenerate) {
	s := c.srv
	id := m.RequestID
	log := c.log.With().Str("ws_request_id", id).Logger()

	if rej := s.admit(m.GenerateRequest, c.clientKey); rej != nil {
		log.Info().Str("code", rej.code).Msg("request rejected")
		s.reject(rej, "ws")
		c.send(errorEvent(id, rej))
		return
	}

	res := s.relay(log.WithContext(ctx), m.GenerateRequest, func(text string) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c.outbound <- protocol.TextDelta{Type: protocol.TypeTextDelta, RequestID: id, TextDelta: text}:
			return nil
		}
	})

	outcome := s.outcomeOf(ctx, res)
	s.metrics.ObserveOutcome("ws", outcome)
	switch outcome {
	case outcomeDone:
		c.send(protocol.TurnEnd{Type: protocol.TypeTurnEnd, RequestID: id, Reason: protocol.ReasonDone})
	case outcomeCancelled:
		c.send(protocol.TurnEnd{Type: protocol.TypeTurnEnd, RequestID: id, Reason: protocol.ReasonCancelled})
	default:
		log.Warn().Err(res.err).Bool("started", res.started).Msg("upstream failed")
		if !res.started {
			c.send(errorEvent(id, upstreamRejection(res.err)))
			return
		}
		c.send(protocol.TurnEnd{Type: protocol.TypeTurnEnd, RequestID: id, Reason: protocol.ReasonError, Detail: "upstream stream failed"})
	}
}

func errorEvent(id string, rej *rejection) protocol.ErrorEvent {
	return protocol.ErrorEvent{
		Type:         protocol.TypeErrorEvent,
		RequestID:    id,
		Code:         rej.code,
		Status:       rej.status,
		Detail:       rej.message,
		RetryAfterMS: rej.retryAfter.Milliseconds(),
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientGenerate:
		return m.Type, true
	case protocol.ClientCancel:
		return m.Type, true
	case protocol.TextDelta:
		return m.Type, true
	case protocol.TurnEnd:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
