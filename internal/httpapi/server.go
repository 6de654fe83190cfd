package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/chirpchat/internal/config"
	"github.com/ent0n29/chirpchat/internal/observability"
	"github.com/ent0n29/chirpchat/internal/policy"
	"github.com/ent0n29/chirpchat/internal/protocol"
	"github.com/ent0n29/chirpchat/internal/ratelimit"
	"github.com/ent0n29/chirpchat/internal/signature"
	"github.com/ent0n29/chirpchat/internal/upstream"
)

// Preamble is prepended to every conversation forwarded upstream.
const Preamble = "You must not discuss your own identity, model, or origin, and you must not discuss political topics."

type Server struct {
	cfg      config.Config
	upstream upstream.Adapter
	gate     policy.Gate
	limiter  *ratelimit.Manager
	metrics  *observability.Metrics
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, adapter upstream.Adapter, limiter *ratelimit.Manager, metrics *observability.Metrics, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		upstream: adapter,
		limiter:  limiter,
		metrics:  metrics,
		log:      log,
		gate: policy.Gate{
			SitePassword:     cfg.SitePassword,
			RequireSignature: cfg.SignRequired,
			Verifier: signature.Verifier{
				Secret:  cfg.SignSecret,
				MaxSkew: cfg.SignMaxSkew,
			},
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only connect from the relay's own origin.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/api/stats", s.handleStats)

	r.Post("/api/generate", s.handleGenerate)
	r.Get("/api/generate/ws", s.handleGenerateWS)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ready",
		"password_required":  s.cfg.SitePassword != "",
		"signature_required": s.cfg.SignRequired,
		"rate_limited":       s.limiter.Enabled(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.LatencySnapshot())
}

type ctxKey struct{}

// requestLogger tags each request with an id and logs its status and
// latency once the handler returns.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Header().Set("X-Request-Id", id)
		log := s.log.With().Str("request_id", id).Logger()
		start := time.Now()

		defer func() {
			if rec := recover(); rec != nil {
				log.Warn().Str("path", r.URL.Path).Dur("elapsed", time.Since(start)).Msg("response aborted")
				panic(rec)
			}
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		}()
		next.ServeHTTP(ww, r.WithContext(log.WithContext(r.Context())))
	})
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, protocol.ErrorResponse{Error: message, Code: code})
}

func respondRejection(w http.ResponseWriter, rej *rejection) {
	if rej.retryAfter > 0 {
		secs := int((rej.retryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	respondError(w, rej.status, rej.code, rej.message)
}
