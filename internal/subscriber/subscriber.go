// Package subscriber listens on broker event channels, keeps a local
// registry of interested handlers per channel, and dispatches incoming
// broker messages to every matching handler concurrently. One bad handler
// can never halt distribution: each invocation is isolated, panics are
// recovered, and failures are logged with the event id and kind.
package subscriber

import (
	"context"
	"log"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/voiceops/admin-gateway/internal/event"
	"github.com/voiceops/admin-gateway/internal/messaging"
	"github.com/voiceops/admin-gateway/internal/metrics"
)

// Handler processes one validated event. Errors are logged and isolated;
// they never stop other handlers from running.
type Handler func(ctx context.Context, e *event.Event) error

// Options modify a Subscribe call.
type Options struct {
	// Pattern subscribes via the broker's wildcard pattern instead of
	// exact per-kind channels; the kinds argument is ignored.
	Pattern bool
}

// broker is the slice of messaging.Broker the subscriber depends on.
type broker interface {
	Subscribe(channel string, handler messaging.RawHandler) error
	Unsubscribe(channel string) error
	PSubscribe(pattern string, handler messaging.RawHandler) error
	PUnsubscribe(pattern string) error
	SetReceiveErrorHandler(fn func(error))
	EventChannel(kind event.Kind) string
	EventPattern() string
	KindFromChannel(channel string) (event.Kind, bool)
}

var _ broker = (*messaging.Broker)(nil)

// Subscriber fans broker messages out to registered handlers.
type Subscriber struct {
	broker broker

	mu      sync.Mutex
	exact   map[event.Kind][]Handler
	pattern []Handler
	pactive bool
	healthy atomic.Bool
}

// New creates a Subscriber attached to the broker.
func New(b *messaging.Broker) *Subscriber {
	return newSubscriber(b)
}

func newSubscriber(b broker) *Subscriber {
	s := &Subscriber{
		broker: b,
		exact:  make(map[event.Kind][]Handler),
	}
	s.healthy.Store(true)
	b.SetReceiveErrorHandler(func(err error) {
		log.Printf("subscriber: broker receive error: %v", err)
		s.healthy.Store(false)
	})
	return s
}

// Subscribe registers handler for each given kind (or for the wildcard
// pattern when opts.Pattern is set). The first handler on a channel
// establishes the underlying broker subscription.
func (s *Subscriber) Subscribe(kinds []event.Kind, handler Handler, opts Options) error {
	if opts.Pattern {
		return s.subscribePattern(handler)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, kind := range kinds {
		first := len(s.exact[kind]) == 0
		s.exact[kind] = append(s.exact[kind], handler)
		if !first {
			continue
		}
		channel := s.broker.EventChannel(kind)
		if err := s.broker.Subscribe(channel, s.onExactMessage); err != nil {
			s.exact[kind] = nil
			s.healthy.Store(false)
			return err
		}
	}
	return nil
}

func (s *Subscriber) subscribePattern(handler Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pattern = append(s.pattern, handler)
	if s.pactive {
		return nil
	}
	if err := s.broker.PSubscribe(s.broker.EventPattern(), s.onPatternMessage); err != nil {
		s.pattern = s.pattern[:len(s.pattern)-1]
		s.healthy.Store(false)
		return err
	}
	s.pactive = true
	return nil
}

// Unsubscribe removes handler from the given kinds; a nil handler removes
// every handler for those kinds. When a channel's handler list becomes
// empty the broker subscription is torn down.
func (s *Subscriber) Unsubscribe(kinds []event.Kind, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, kind := range kinds {
		if kind == event.KindWildcard {
			s.pattern = removeHandler(s.pattern, handler)
			if len(s.pattern) == 0 && s.pactive {
				s.pactive = false
				if err := s.broker.PUnsubscribe(s.broker.EventPattern()); err != nil {
					log.Printf("subscriber: pattern teardown: %v", err)
				}
			}
			continue
		}

		s.exact[kind] = removeHandler(s.exact[kind], handler)
		if len(s.exact[kind]) == 0 {
			delete(s.exact, kind)
			if err := s.broker.Unsubscribe(s.broker.EventChannel(kind)); err != nil {
				log.Printf("subscriber: channel teardown %s: %v", kind, err)
			}
		}
	}
}

// removeHandler drops handler from the list by function identity; a nil
// handler clears the list.
func removeHandler(handlers []Handler, handler Handler) []Handler {
	if handler == nil {
		return nil
	}
	target := reflect.ValueOf(handler).Pointer()
	kept := handlers[:0]
	for _, h := range handlers {
		if reflect.ValueOf(h).Pointer() != target {
			kept = append(kept, h)
		}
	}
	return kept
}

// SubscribeToAll registers handler for every event kind via the broker
// pattern subscription.
func (s *Subscriber) SubscribeToAll(handler Handler) error {
	return s.Subscribe(nil, handler, Options{Pattern: true})
}

// SubscribeToSession invokes handler only for events belonging to the
// given session. The returned Handler is the registered wrapper; pass it
// to Unsubscribe with the wildcard kind to detach.
func (s *Subscriber) SubscribeToSession(sessionID string, handler Handler) (Handler, error) {
	wrapped := func(ctx context.Context, e *event.Event) error {
		if e.SessionID != sessionID {
			return nil
		}
		return handler(ctx, e)
	}
	return wrapped, s.SubscribeToAll(wrapped)
}

// SubscribeToRealm invokes handler only for events in the given realm.
func (s *Subscriber) SubscribeToRealm(realm string, handler Handler) (Handler, error) {
	wrapped := func(ctx context.Context, e *event.Event) error {
		if e.Realm != realm {
			return nil
		}
		return handler(ctx, e)
	}
	return wrapped, s.SubscribeToAll(wrapped)
}

// SubscribeToUser invokes handler only for events about the given user.
func (s *Subscriber) SubscribeToUser(userID string, handler Handler) (Handler, error) {
	wrapped := func(ctx context.Context, e *event.Event) error {
		if e.UserID != userID {
			return nil
		}
		return handler(ctx, e)
	}
	return wrapped, s.SubscribeToAll(wrapped)
}

// Healthy reports whether the subscriber's broker attachments are intact.
// The flag goes false on a failed subscribe or a broker receive error and
// recovers on the next successfully delivered message.
func (s *Subscriber) Healthy() bool {
	return s.healthy.Load()
}

func (s *Subscriber) onExactMessage(channel string, data []byte) {
	s.dispatch(channel, data, false)
}

func (s *Subscriber) onPatternMessage(channel string, data []byte) {
	s.dispatch(channel, data, true)
}

// dispatch validates one broker message and invokes every handler
// registered for its channel concurrently, waiting for all of them.
// Invalid messages are logged and dropped, never retried.
func (s *Subscriber) dispatch(channel string, data []byte, fromPattern bool) {
	kind, ok := s.broker.KindFromChannel(channel)
	if !ok {
		log.Printf("subscriber: message on unexpected channel %s", channel)
		return
	}

	e, err := event.Validate(data)
	if err != nil {
		log.Printf("subscriber: dropping invalid message on %s: %v", channel, err)
		metrics.EventsDropped.WithLabelValues("invalid").Inc()
		return
	}
	s.healthy.Store(true)

	var handlers []Handler
	s.mu.Lock()
	if fromPattern {
		handlers = append(handlers, s.pattern...)
	} else {
		handlers = append(handlers, s.exact[kind]...)
	}
	s.mu.Unlock()

	if len(handlers) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, h := range handlers {
		h := h
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("subscriber: handler panic event=%s kind=%s: %v", e.ID, e.Kind, r)
					metrics.HandlerErrors.Inc()
				}
			}()
			if err := h(context.Background(), e); err != nil {
				log.Printf("subscriber: handler error event=%s kind=%s: %v", e.ID, e.Kind, err)
				metrics.HandlerErrors.Inc()
			}
		}()
	}
	wg.Wait()
}
