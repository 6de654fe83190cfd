// Package store persists client-local chat state as string key-value pairs.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Keys used by the chat client.
const (
	KeyMessageList   = "messageList"
	KeySystemRole    = "systemRoleSettings"
	KeyPass          = "pass"
	KeyStickToBottom = "stickToBottom"
)

var ErrClosed = errors.New("store closed")

// Store is a small string key-value store.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Config selects a backend.
type Config struct {
	Kind        string
	Path        string
	DatabaseURL string
	Namespace   string
	Logger      zerolog.Logger
}

// NewStore creates the configured backend. An empty kind picks postgres
// when a database URL is set and memory otherwise.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Kind))
	if kind == "" {
		kind = "memory"
		if strings.TrimSpace(cfg.DatabaseURL) != "" {
			kind = "postgres"
		}
	}

	switch kind {
	case "memory":
		return NewInMemoryStore(), nil
	case "file":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errors.New("file store requires a path")
		}
		return NewFileStore(cfg.Path, cfg.Logger)
	case "badger":
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errors.New("badger store requires a directory")
		}
		return NewBadgerStore(cfg.Path)
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, errors.New("postgres store requires DATABASE_URL")
		}
		return NewPostgresStore(ctx, cfg.DatabaseURL, cfg.Namespace)
	default:
		return nil, fmt.Errorf("unsupported store kind %q", cfg.Kind)
	}
}

// Preferences are the client settings persisted next to the conversation.
type Preferences struct {
	Pass          string
	StickToBottom bool
}

func LoadPreferences(ctx context.Context, s Store) (Preferences, error) {
	var p Preferences
	pass, _, err := s.Get(ctx, KeyPass)
	if err != nil {
		return p, fmt.Errorf("load pass: %w", err)
	}
	p.Pass = pass
	_, stick, err := s.Get(ctx, KeyStickToBottom)
	if err != nil {
		return p, fmt.Errorf("load stickToBottom: %w", err)
	}
	p.StickToBottom = stick
	return p, nil
}

func SavePreferences(ctx context.Context, s Store, p Preferences) error {
	if p.Pass == "" {
		if err := s.Delete(ctx, KeyPass); err != nil {
			return err
		}
	} else if err := s.Set(ctx, KeyPass, p.Pass); err != nil {
		return err
	}
	// stickToBottom is a presence flag: the value is irrelevant.
	if p.StickToBottom {
		return s.Set(ctx, KeyStickToBottom, "true")
	}
	return s.Delete(ctx, KeyStickToBottom)
}
