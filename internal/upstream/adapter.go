// Package upstream streams chat completions from the model provider behind
// the relay.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/chirpchat/internal/protocol"
)

// CompletionRequest is the full message list forwarded upstream, preamble
// included.
type CompletionRequest struct {
	Messages []protocol.Turn `json:"messages"`
}

// CompletionResponse is the final text after all deltas were delivered.
type CompletionResponse struct {
	Text string `json:"text"`
}

// DeltaHandler receives streaming text fragments. A non-nil error aborts the
// stream.
type DeltaHandler func(delta string) error

// Adapter bridges the relay with a completion provider.
type Adapter interface {
	StreamCompletion(ctx context.Context, req CompletionRequest, onDelta DeltaHandler) (CompletionResponse, error)
}

// StatusError is a provider rejection carrying its HTTP status.
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Message)
}

// Config controls adapter construction.
type Config struct {
	Mode        string
	APIKey      string
	BaseURL     string
	Model       string
	Temperature *float32 // nil selects DefaultTemperature
	ProxyURL    string
	HTTPURL     string
	Retries     int
	Logger      zerolog.Logger
}

const (
	DefaultBaseURL     = "https://api.openai.com"
	DefaultModel       = "gpt-3.5-turbo"
	DefaultTemperature = 0.6
)

func temperatureOrDefault(t *float32) float32 {
	if t == nil {
		return DefaultTemperature
	}
	return *t
}

func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	var (
		a   Adapter
		err error
	)
	switch mode {
	case "auto":
		a, err = newAutoAdapter(cfg)
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("OPENAI_API_KEY is required for openai mode")
		}
		a, err = NewOpenAIAdapter(cfg)
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("upstream HTTP url is required for http mode")
		}
		a = NewHTTPAdapter(cfg.HTTPURL, cfg.Model, cfg.Temperature)
	case "mock":
		a = NewMockAdapter()
	default:
		return nil, fmt.Errorf("unsupported upstream mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Retries > 0 {
		a = NewRetryAdapter(a, cfg.Retries, cfg.Logger)
	}
	return a, nil
}

func newAutoAdapter(cfg Config) (Adapter, error) {
	if strings.TrimSpace(cfg.APIKey) != "" {
		cfg.Logger.Info().Str("mode", "openai").Msg("upstream adapter selected")
		return NewOpenAIAdapter(cfg)
	}
	if u := strings.TrimSpace(cfg.HTTPURL); u != "" {
		cfg.Logger.Info().Str("mode", "http").Str("url", u).Msg("upstream adapter selected")
		return NewHTTPAdapter(u, cfg.Model, cfg.Temperature), nil
	}
	cfg.Logger.Warn().Str("mode", "mock").Msg("no upstream credentials configured, replies are canned")
	return NewMockAdapter(), nil
}
