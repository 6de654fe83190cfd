package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/chirpchat/internal/protocol"
	"github.com/ent0n29/chirpchat/internal/reliability"
	"github.com/ent0n29/chirpchat/internal/signature"
	"github.com/ent0n29/chirpchat/internal/store"
	"github.com/ent0n29/chirpchat/internal/stream"
)

const persistTimeout = 5 * time.Second

// Transport opens one streaming response from the relay.
type Transport interface {
	Open(ctx context.Context, req protocol.GenerateRequest) (io.ReadCloser, error)
}

// ControllerConfig wires a Controller to its collaborators.
type ControllerConfig struct {
	Transport         Transport
	Signer            signature.Signer
	Pass              string
	DefaultSystemRole string
	DraftPolicy       DraftPolicy
	RequestTimeout    time.Duration
	// Store, when set, receives a snapshot of the session after every
	// generation that changed the archived turns.
	Store     store.Store
	Observers []Observer
	Logger    zerolog.Logger
	Now       func() time.Time
}

type generation struct {
	handle *CancellationHandle
	done   chan struct{}
}

// Controller runs at most one generation at a time for one Session.
type Controller struct {
	session   *Session
	transport Transport
	signer    signature.Signer
	system    string
	policy    DraftPolicy
	timeout   time.Duration
	kv        store.Store
	observer  Observer
	log       zerolog.Logger
	now       func() time.Time

	mu     sync.Mutex
	pass   string
	state  State
	active *generation
}

func NewController(session *Session, cfg ControllerConfig) (*Controller, error) {
	if session == nil {
		return nil, errors.New("chat controller requires a session")
	}
	if cfg.Transport == nil {
		return nil, errors.New("chat controller requires a transport")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		session:   session,
		transport: cfg.Transport,
		signer:    cfg.Signer,
		system:    cfg.DefaultSystemRole,
		policy:    cfg.DraftPolicy,
		timeout:   cfg.RequestTimeout,
		kv:        cfg.Store,
		observer:  multiObserver(cfg.Observers),
		log:       cfg.Logger,
		now:       now,
		pass:      cfg.Pass,
		state:     StateIdle,
	}, nil
}

func (c *Controller) Session() *Session { return c.session }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Active reports whether a generation is in flight.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

func (c *Controller) SetPass(pass string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pass = pass
}

// Submit archives text as a user turn and streams the assistant reply. Blank
// input is a no-op. A generation already in flight is cancelled first.
// Request failures end up in the session's ErrorState, not in the result.
func (c *Controller) Submit(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	g := c.acquire(ctx)
	defer c.release(g)

	c.session.AppendUser(text)
	c.run(g)
	return nil
}

// Retry drops a trailing assistant turn and re-sends the last user turn.
func (c *Controller) Retry(ctx context.Context) error {
	g := c.acquire(ctx)
	defer c.release(g)

	if !c.session.PrepareRetry() {
		c.log.Debug().Msg("retry skipped: conversation does not end with a user turn")
		c.persist()
		return nil
	}
	c.run(g)
	return nil
}

// Stop cancels the active generation and waits for it to wind down. The
// partial draft is archived.
func (c *Controller) Stop() {
	c.mu.Lock()
	g := c.active
	c.mu.Unlock()
	if g == nil {
		return
	}
	g.handle.Cancel(ErrStopped)
	<-g.done
}

// Clear stops any generation and empties the conversation.
func (c *Controller) Clear() {
	c.Stop()
	c.session.Clear()
	c.persist()
}

// acquire revokes any prior generation, waits until it is fully finished and
// installs a new one.
func (c *Controller) acquire(ctx context.Context) *generation {
	for {
		c.mu.Lock()
		prev := c.active
		if prev == nil {
			g := &generation{
				handle: newCancellationHandle(ctx, c.timeout),
				done:   make(chan struct{}),
			}
			c.active = g
			c.mu.Unlock()
			return g
		}
		c.mu.Unlock()
		prev.handle.Cancel(ErrSuperseded)
		<-prev.done
	}
}

func (c *Controller) release(g *generation) {
	g.handle.release()
	c.mu.Lock()
	if c.active == g {
		c.active = nil
	}
	c.mu.Unlock()
	close(g.done)
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.observer.StateChanged(s)
}

func (c *Controller) buildRequest() protocol.GenerateRequest {
	c.mu.Lock()
	pass := c.pass
	c.mu.Unlock()

	req := protocol.GenerateRequest{
		Messages: c.session.RequestMessages(c.system),
		Time:     c.now().UnixMilli(),
		Pass:     pass,
	}
	req.Sign = c.signer.Sign(req.Time, req.LastContent())
	return req
}

func (c *Controller) run(g *generation) {
	ctx := g.handle.Context()
	start := c.now()

	c.session.BeginDraft()
	c.observer.LoadingChanged(true)
	defer func() {
		c.session.FinishLoading()
		c.observer.LoadingChanged(false)
		c.persist()
	}()

	c.setState(StateSending)
	body, err := c.transport.Open(ctx, c.buildRequest())
	if err != nil {
		if ctx.Err() != nil {
			c.interrupted(g, false)
			return
		}
		c.fail(err, false)
		return
	}

	reader := stream.NewReader(ctx, body, stream.WithLogger(c.log))
	defer reader.Close()

	streaming := false
	var terminal error
	for frag, err := range reader.All() {
		if err != nil {
			terminal = err
			break
		}
		if !streaming {
			streaming = true
			c.setState(StateStreaming)
			c.log.Debug().Dur("first_fragment", c.now().Sub(start)).Msg("stream started")
		}
		c.observer.DraftUpdated(c.session.AppendToDraft(frag))
	}

	switch {
	case terminal == nil:
		c.session.CommitDraft()
		c.setState(StateDone)
		c.log.Debug().Dur("elapsed", c.now().Sub(start)).Msg("generation done")
	case errors.Is(terminal, stream.ErrCancelled):
		c.interrupted(g, streaming)
	default:
		c.fail(terminal, streaming)
	}
}

// interrupted handles a revoked handle: stop and supersede keep the partial
// draft, a timeout is reported as an error.
func (c *Controller) interrupted(g *generation, streaming bool) {
	cause := g.handle.Cause()
	if errors.Is(cause, ErrTimeout) {
		c.fail(cause, streaming)
		return
	}
	c.session.CommitDraft()
	c.setState(StateCancelled)
	c.log.Debug().AnErr("cause", cause).Msg("generation cancelled")
}

func (c *Controller) fail(err error, streaming bool) {
	state := errorStateFor(err)
	c.session.SetError(state)
	if streaming && c.policy == PreserveDraft {
		c.session.CommitDraft()
	} else {
		c.session.DiscardDraft()
	}
	c.setState(StateError)
	c.log.Warn().Err(err).Str("code", state.Code).Bool("partial", streaming).Msg("generation failed")
}

func (c *Controller) persist() {
	if c.kv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.session.Snapshot(ctx, c.kv); err != nil {
		c.log.Warn().Err(err).Msg("persist conversation failed")
	}
}

func errorStateFor(err error) ErrorState {
	var se *StatusError
	if errors.As(err, &se) {
		switch reliability.ClassifyHTTPStatus(se.StatusCode) {
		case reliability.ClassRateLimited:
			return ErrorState{Code: CodeRateLimited, Message: rateLimitMessage(se.RetryAfter)}
		case reliability.ClassAuth:
			return ErrorState{Code: CodeAuthFailed, Message: "Request failed. Check the passphrase and try again."}
		default:
			return ErrorState{Code: CodeRequestFailed, Message: "Request failed. Please try again later."}
		}
	}
	if errors.Is(err, ErrTimeout) {
		return ErrorState{Code: CodeTimeout, Message: "The response took too long and was stopped."}
	}
	var te *stream.TransportError
	if errors.As(err, &te) {
		return ErrorState{Code: CodeTransportFailed, Message: "Connection lost while receiving the response."}
	}
	return ErrorState{Code: CodeRequestFailed, Message: "Request failed. Please try again later."}
}

func rateLimitMessage(retryAfter time.Duration) string {
	if retryAfter <= 0 {
		return "Too many requests. Please retry in a moment."
	}
	secs := int((retryAfter + time.Second - 1) / time.Second)
	return fmt.Sprintf("Too many requests. Please retry after %d seconds.", secs)
}
