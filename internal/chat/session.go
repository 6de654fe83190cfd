package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ent0n29/chirpchat/internal/policy"
	"github.com/ent0n29/chirpchat/internal/protocol"
	"github.com/ent0n29/chirpchat/internal/store"
)

// Session is one conversation. All methods are safe for concurrent use;
// every mutation is serialized by the session mutex.
type Session struct {
	mu         sync.Mutex
	turns      []Turn
	systemRole string
	draft      string
	loading    bool
	lastErr    *ErrorState

	filter *policy.ContentFilter
	log    zerolog.Logger
}

type SessionOption func(*Session)

func WithFilter(f *policy.ContentFilter) SessionOption {
	return func(s *Session) { s.filter = f }
}

func WithSessionLogger(l zerolog.Logger) SessionOption {
	return func(s *Session) { s.log = l }
}

func NewSession(opts ...SessionOption) *Session {
	s := &Session{
		filter: policy.DefaultFilter,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AppendUser archives a user turn. Blank input is ignored.
func (s *Session) AppendUser(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, Turn{Role: protocol.RoleUser, Content: text})
	return true
}

// BeginDraft resets the draft and error state and marks the session loading.
func (s *Session) BeginDraft() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draft = ""
	s.lastErr = nil
	s.loading = true
}

// AppendToDraft adds one fragment and re-filters the whole draft so matches
// straddling fragment boundaries are rewritten. It returns the new draft.
func (s *Session) AppendToDraft(fragment string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fragment == "" {
		return s.draft
	}
	// Some upstream formats emit blank-line pairs; collapse them.
	if fragment == "\n" && strings.HasSuffix(s.draft, "\n") {
		return s.draft
	}
	s.draft = s.filter.Apply(s.draft + fragment)
	return s.draft
}

// CommitDraft archives a non-empty draft as an assistant turn. Empty drafts
// are never archived; the caller still has to clear loading in that case.
func (s *Session) CommitDraft() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draft == "" {
		return false
	}
	s.turns = append(s.turns, Turn{Role: protocol.RoleAssistant, Content: s.draft})
	s.draft = ""
	s.loading = false
	return true
}

func (s *Session) DiscardDraft() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draft = ""
}

func (s *Session) FinishLoading() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
}

func (s *Session) SetError(e ErrorState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = &e
}

// PrepareRetry drops a trailing assistant turn and reports whether the
// conversation now ends with a user turn that can be re-sent.
func (s *Session) PrepareRetry() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.turns) == 0 {
		return false
	}
	if s.turns[len(s.turns)-1].Role == protocol.RoleAssistant {
		s.turns = s.turns[:len(s.turns)-1]
	}
	return len(s.turns) > 0 && s.turns[len(s.turns)-1].Role == protocol.RoleUser
}

// Clear forgets turns, draft and error. The system role survives.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
	s.draft = ""
	s.lastErr = nil
}

// SetSystemRole changes the system-role override. Like the web client it is
// only editable before the first turn.
func (s *Session) SetSystemRole(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.turns) > 0 {
		return false
	}
	s.systemRole = strings.TrimSpace(text)
	return true
}

func (s *Session) SystemRole() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.systemRole
}

// RequestMessages is the message list sent upstream: the system turn
// followed by every archived turn.
func (s *Session) RequestMessages(defaultSystemRole string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	system := s.systemRole
	if system == "" {
		system = defaultSystemRole
	}
	out := make([]Turn, 0, len(s.turns)+1)
	if system != "" {
		out = append(out, Turn{Role: protocol.RoleSystem, Content: system})
	}
	return append(out, s.turns...)
}

func (s *Session) Turns() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

func (s *Session) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

func (s *Session) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

func (s *Session) Error() *ErrorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastErr == nil {
		return nil
	}
	e := *s.lastErr
	return &e
}

// Restore replaces the session with persisted state. Unreadable or
// malformed data is logged and leaves the session empty.
func (s *Session) Restore(ctx context.Context, kv store.Store) {
	var (
		turns      []Turn
		systemRole string
	)
	if raw, ok, err := kv.Get(ctx, store.KeyMessageList); err != nil {
		s.log.Warn().Err(err).Msg("restore message list failed")
	} else if ok && strings.TrimSpace(raw) != "" {
		if parsed, err := decodeTurns(raw); err != nil {
			s.log.Warn().Err(err).Msg("ignoring malformed persisted message list")
		} else {
			turns = parsed
		}
	}
	if raw, ok, err := kv.Get(ctx, store.KeySystemRole); err != nil {
		s.log.Warn().Err(err).Msg("restore system role failed")
	} else if ok {
		systemRole = strings.TrimSpace(raw)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = turns
	s.systemRole = systemRole
	s.draft = ""
	s.loading = false
	s.lastErr = nil
}

// Snapshot writes the archived turns and system role to kv. The draft is
// never persisted.
func (s *Session) Snapshot(ctx context.Context, kv store.Store) error {
	s.mu.Lock()
	turns := make([]Turn, len(s.turns))
	copy(turns, s.turns)
	systemRole := s.systemRole
	s.mu.Unlock()

	raw, err := json.Marshal(turns)
	if err != nil {
		return err
	}
	if err := kv.Set(ctx, store.KeyMessageList, string(raw)); err != nil {
		return err
	}
	return kv.Set(ctx, store.KeySystemRole, systemRole)
}

func decodeTurns(raw string) ([]Turn, error) {
	var turns []Turn
	if err := json.Unmarshal([]byte(raw), &turns); err != nil {
		return nil, err
	}
	for i, t := range turns {
		if !t.Role.Valid() {
			return nil, fmt.Errorf("turn %d has unknown role %q", i, t.Role)
		}
	}
	return turns, nil
}
