package chat

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Observer is notified after each controller-driven mutation. Callbacks run
// on the generation goroutine and must not call Controller.Stop.
type Observer interface {
	DraftUpdated(draft string)
	StateChanged(state State)
	LoadingChanged(loading bool)
}

// ObserverFuncs adapts plain functions to Observer; nil fields are skipped.
type ObserverFuncs struct {
	Draft   func(draft string)
	State   func(state State)
	Loading func(loading bool)
}

func (o ObserverFuncs) DraftUpdated(draft string) {
	if o.Draft != nil {
		o.Draft(draft)
	}
}

func (o ObserverFuncs) StateChanged(state State) {
	if o.State != nil {
		o.State(state)
	}
}

func (o ObserverFuncs) LoadingChanged(loading bool) {
	if o.Loading != nil {
		o.Loading(loading)
	}
}

// DefaultThrottle matches the scroll throttle of the web client.
const DefaultThrottle = 300 * time.Millisecond

// ThrottledObserver forwards at most one DraftUpdated per interval. The latest
// draft is always delivered before a terminal state change.
type ThrottledObserver struct {
	inner     Observer
	sometimes *rate.Sometimes

	mu        sync.Mutex
	latest    string
	delivered bool
}

func NewThrottledObserver(inner Observer, interval time.Duration) *ThrottledObserver {
	if interval <= 0 {
		interval = DefaultThrottle
	}
	return &ThrottledObserver{
		inner:     inner,
		sometimes: &rate.Sometimes{Interval: interval},
		delivered: true,
	}
}

func (t *ThrottledObserver) DraftUpdated(draft string) {
	t.mu.Lock()
	t.latest = draft
	t.delivered = false
	t.mu.Unlock()

	t.sometimes.Do(func() { t.flush() })
}

func (t *ThrottledObserver) StateChanged(state State) {
	if !state.Active() {
		t.flush()
	}
	t.inner.StateChanged(state)
}

func (t *ThrottledObserver) LoadingChanged(loading bool) {
	t.inner.LoadingChanged(loading)
}

func (t *ThrottledObserver) flush() {
	t.mu.Lock()
	if t.delivered {
		t.mu.Unlock()
		return
	}
	draft := t.latest
	t.delivered = true
	t.mu.Unlock()
	t.inner.DraftUpdated(draft)
}

type multiObserver []Observer

func (m multiObserver) DraftUpdated(draft string) {
	for _, o := range m {
		o.DraftUpdated(draft)
	}
}

func (m multiObserver) StateChanged(state State) {
	for _, o := range m {
		o.StateChanged(state)
	}
}

func (m multiObserver) LoadingChanged(loading bool) {
	for _, o := range m {
		o.LoadingChanged(loading)
	}
}
