package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/chirpchat/internal/policy"
	"github.com/ent0n29/chirpchat/internal/protocol"
	"github.com/ent0n29/chirpchat/internal/ratelimit"
	"github.com/ent0n29/chirpchat/internal/upstream"
)

// Relay error codes beyond the access decisions in policy.
const (
	CodeInvalidRequest = "invalid_request"
	CodeRateLimited    = "rate_limited"
	CodeUpstreamFailed = "upstream_failed"
)

// Request outcomes reported to metrics.
const (
	outcomeDone      = "done"
	outcomeCancelled = "cancelled"
	outcomeRejected  = "rejected"
	outcomeError     = "error"
)

type rejection struct {
	status     int
	code       string
	message    string
	retryAfter time.Duration
}

// admit runs every check a request must pass before it reaches upstream.
func (s *Server) admit(req protocol.GenerateRequest, clientKey string) *rejection {
	if len(req.Messages) == 0 {
		return &rejection{status: http.StatusBadRequest, code: policy.CodeNoInput, message: "No input text."}
	}
	for _, m := range req.Messages {
		if !m.Role.Valid() {
			return &rejection{status: http.StatusBadRequest, code: CodeInvalidRequest, message: "Unknown message role " + string(m.Role) + "."}
		}
	}
	if d := s.gate.Authorize(req.Pass, req.Time, req.LastContent(), req.Sign); !d.Allowed {
		return &rejection{status: http.StatusUnauthorized, code: d.Code, message: d.Reason}
	}
	if ok, wait := s.limiter.Allow(clientKey); !ok {
		return &rejection{status: http.StatusTooManyRequests, code: CodeRateLimited, message: "Too many requests.", retryAfter: wait}
	}
	return nil
}

func (s *Server) reject(rej *rejection, transport string) {
	s.metrics.Rejections.WithLabelValues(rej.code).Inc()
	s.metrics.ObserveOutcome(transport, outcomeRejected)
}

// upstreamRejection maps a failure that happened before any delta was sent.
func upstreamRejection(err error) *rejection {
	var se *upstream.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests {
		return &rejection{status: http.StatusTooManyRequests, code: CodeRateLimited, message: "Upstream is busy, retry later.", retryAfter: se.RetryAfter}
	}
	return &rejection{status: http.StatusBadGateway, code: CodeUpstreamFailed, message: "Upstream request failed."}
}

// streamResult describes how one relayed generation ended.
type streamResult struct {
	started bool
	err     error
}

// relay forwards req upstream and hands every outgoing delta to emit. When
// relay-side filtering is on, emitted text is already rewritten.
func (s *Server) relay(ctx context.Context, req protocol.GenerateRequest, emit func(string) error) streamResult {
	log := zerolog.Ctx(ctx)
	messages := make([]protocol.Turn, 0, len(req.Messages)+1)
	messages = append(messages, protocol.Turn{Role: protocol.RoleSystem, Content: Preamble})
	messages = append(messages, req.Messages...)
	log.Debug().
		Int("turns", len(req.Messages)).
		Str("last", policy.LogPreview(req.LastContent(), 80)).
		Msg("relaying generation")

	var filter *policy.StreamFilter
	if s.cfg.FilterServerSide {
		filter = policy.NewStreamFilter(nil)
	}

	start := time.Now()
	res := streamResult{}
	send := func(text string) error {
		if text == "" {
			return nil
		}
		if !res.started {
			res.started = true
			s.metrics.ObserveFirstDelta(time.Since(start))
		}
		return emit(text)
	}

	s.metrics.ActiveStreams.Inc()
	defer s.metrics.ActiveStreams.Dec()

	_, err := s.upstream.StreamCompletion(ctx, upstream.CompletionRequest{Messages: messages}, func(delta string) error {
		if filter != nil {
			delta = filter.Consume(delta)
		}
		return send(delta)
	})
	if err == nil && filter != nil {
		err = send(filter.Finalize())
	}
	if err == nil {
		s.metrics.ObserveCompletion(time.Since(start))
	}
	res.err = err
	return res
}

func (s *Server) outcomeOf(ctx context.Context, res streamResult) string {
	switch {
	case res.err == nil:
		return outcomeDone
	case ctx.Err() != nil:
		return outcomeCancelled
	default:
		phase := "before_first_delta"
		if res.started {
			phase = "after_first_delta"
		}
		s.metrics.UpstreamErrors.WithLabelValues(phase).Inc()
		return outcomeError
	}
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := zerolog.Ctx(ctx)

	var req protocol.GenerateRequest
	if err := decodeJSON(r, &req); err != nil {
		rej := &rejection{status: http.StatusBadRequest, code: policy.CodeNoInput, message: "No input text."}
		if !errors.Is(err, errEmptyBody) {
			rej = &rejection{status: http.StatusBadRequest, code: CodeInvalidRequest, message: err.Error()}
		}
		s.reject(rej, "http")
		respondRejection(w, rej)
		return
	}
	if rej := s.admit(req, ratelimit.ClientKey(r, s.cfg.TrustProxy)); rej != nil {
		log.Info().Str("code", rej.code).Msg("request rejected")
		s.reject(rej, "http")
		respondRejection(w, rej)
		return
	}

	flusher, _ := w.(http.Flusher)
	wroteHeader := false
	writeHeader := func() {
		wroteHeader = true
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusOK)
	}
	res := s.relay(ctx, req, func(text string) error {
		if !wroteHeader {
			writeHeader()
		}
		if _, err := io.WriteString(w, text); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})

	outcome := s.outcomeOf(ctx, res)
	s.metrics.ObserveOutcome("http", outcome)
	switch outcome {
	case outcomeDone:
		if !wroteHeader {
			writeHeader()
		}
	case outcomeCancelled:
		log.Debug().Msg("client went away")
	default:
		if res.started {
			// The status line is gone; cut the connection so the client sees
			// a broken stream instead of a short answer.
			log.Warn().Err(res.err).Msg("upstream failed mid-stream")
			panic(http.ErrAbortHandler)
		}
		log.Warn().Err(res.err).Msg("upstream failed")
		respondRejection(w, upstreamRejection(res.err))
	}
}
