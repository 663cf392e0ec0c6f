package subscriber

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/voiceops/admin-gateway/internal/event"
	"github.com/voiceops/admin-gateway/internal/messaging"
)

// fakeBroker records subscriptions and lets tests inject messages directly.
type fakeBroker struct {
	mu       sync.Mutex
	subs     map[string]messaging.RawHandler
	psubs    map[string]messaging.RawHandler
	failNext bool
	onErr    func(error)
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		subs:  make(map[string]messaging.RawHandler),
		psubs: make(map[string]messaging.RawHandler),
	}
}

func (f *fakeBroker) Subscribe(channel string, handler messaging.RawHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("broker down")
	}
	f.subs[channel] = handler
	return nil
}

func (f *fakeBroker) Unsubscribe(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, channel)
	return nil
}

func (f *fakeBroker) PSubscribe(pattern string, handler messaging.RawHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("broker down")
	}
	f.psubs[pattern] = handler
	return nil
}

func (f *fakeBroker) PUnsubscribe(pattern string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.psubs, pattern)
	return nil
}

func (f *fakeBroker) SetReceiveErrorHandler(fn func(error)) {
	f.mu.Lock()
	f.onErr = fn
	f.mu.Unlock()
}

// receiveError simulates a broker outage hitting a receive loop.
func (f *fakeBroker) receiveError(err error) {
	f.mu.Lock()
	fn := f.onErr
	f.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (f *fakeBroker) EventChannel(kind event.Kind) string {
	return "test:events:" + string(kind)
}

func (f *fakeBroker) EventPattern() string { return "test:events:*" }

func (f *fakeBroker) KindFromChannel(channel string) (event.Kind, bool) {
	const prefix = "test:events:"
	if len(channel) <= len(prefix) || channel[:len(prefix)] != prefix {
		return "", false
	}
	k := event.Kind(channel[len(prefix):])
	if !k.Valid() {
		return "", false
	}
	return k, true
}

// deliver pushes a marshaled event at the fake broker as if Redis had
// published it.
func (f *fakeBroker) deliver(t *testing.T, e *event.Event) {
	t.Helper()
	data, err := event.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	channel := f.EventChannel(e.Kind)
	f.mu.Lock()
	exact := f.subs[channel]
	var patterns []messaging.RawHandler
	for _, h := range f.psubs {
		patterns = append(patterns, h)
	}
	f.mu.Unlock()
	if exact != nil {
		exact(channel, data)
	}
	for _, h := range patterns {
		h(channel, data)
	}
}

func (f *fakeBroker) subCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func TestSubscribeDeliversMatchingKind(t *testing.T) {
	fb := newFakeBroker()
	sub := newSubscriber(fb)

	var got []*event.Event
	var mu sync.Mutex
	handler := func(ctx context.Context, e *event.Event) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		return nil
	}

	if err := sub.Subscribe([]event.Kind{event.KindVoiceResponse}, handler, Options{}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	fb.deliver(t, event.NewVoiceResponse("s1", "hello", false))
	fb.deliver(t, event.New(event.KindGraphUpdate, "s1", event.GraphUpdatePayload{Operation: "create"}))

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 delivery, got %d", len(got))
	}
	if got[0].Kind != event.KindVoiceResponse {
		t.Errorf("delivered wrong kind %s", got[0].Kind)
	}
}

func TestPatternSubscriptionSeesEveryKind(t *testing.T) {
	fb := newFakeBroker()
	sub := newSubscriber(fb)

	var count int
	var mu sync.Mutex
	err := sub.SubscribeToAll(func(ctx context.Context, e *event.Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	fb.deliver(t, event.NewVoiceResponse("s", "a", false))
	fb.deliver(t, event.NewAnalysisProgress("s", "a1", "t", 10, ""))
	fb.deliver(t, event.NewCommandAck("s", "c", "received", ""))

	mu.Lock()
	defer mu.Unlock()
	if count != 3 {
		t.Errorf("expected 3 deliveries, got %d", count)
	}
}

func TestHandlerFailureDoesNotStopOthers(t *testing.T) {
	fb := newFakeBroker()
	sub := newSubscriber(fb)

	var healthyRan, panicRan bool
	var mu sync.Mutex

	failing := func(ctx context.Context, e *event.Event) error {
		mu.Lock()
		panicRan = true
		mu.Unlock()
		panic("boom")
	}
	erroring := func(ctx context.Context, e *event.Event) error {
		return errors.New("handler failed")
	}
	healthy := func(ctx context.Context, e *event.Event) error {
		mu.Lock()
		healthyRan = true
		mu.Unlock()
		return nil
	}

	kinds := []event.Kind{event.KindVoiceResponse}
	for _, h := range []Handler{failing, erroring, healthy} {
		if err := sub.Subscribe(kinds, h, Options{}); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	fb.deliver(t, event.NewVoiceResponse("s", "a", false))

	mu.Lock()
	defer mu.Unlock()
	if !panicRan {
		t.Error("panicking handler never ran")
	}
	if !healthyRan {
		t.Error("healthy handler was blocked by a failing sibling")
	}
}

func TestInvalidMessageDropped(t *testing.T) {
	fb := newFakeBroker()
	sub := newSubscriber(fb)

	var count int
	var mu sync.Mutex
	err := sub.Subscribe([]event.Kind{event.KindVoiceResponse}, func(ctx context.Context, e *event.Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}, Options{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	fb.subs[fb.EventChannel(event.KindVoiceResponse)](fb.EventChannel(event.KindVoiceResponse), []byte("garbage"))

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("invalid message must not reach handlers, got %d deliveries", count)
	}
}

func TestUnsubscribeTearsDownChannel(t *testing.T) {
	fb := newFakeBroker()
	sub := newSubscriber(fb)

	handler := func(ctx context.Context, e *event.Event) error { return nil }
	kinds := []event.Kind{event.KindVoiceResponse}
	if err := sub.Subscribe(kinds, handler, Options{}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if fb.subCount() != 1 {
		t.Fatalf("expected 1 broker subscription, got %d", fb.subCount())
	}

	sub.Unsubscribe(kinds, nil)
	if fb.subCount() != 0 {
		t.Errorf("expected broker subscription torn down, got %d", fb.subCount())
	}
}

func TestSubscribeErrorReported(t *testing.T) {
	fb := newFakeBroker()
	fb.failNext = true
	sub := newSubscriber(fb)

	err := sub.Subscribe([]event.Kind{event.KindVoiceResponse},
		func(ctx context.Context, e *event.Event) error { return nil }, Options{})
	if err == nil {
		t.Fatal("expected subscribe error")
	}
	if sub.Healthy() {
		t.Error("subscriber should report unhealthy after a failed attach")
	}
}

func TestSubscribeToSessionFilters(t *testing.T) {
	fb := newFakeBroker()
	sub := newSubscriber(fb)

	var got []*event.Event
	var mu sync.Mutex
	wrapped, err := sub.SubscribeToSession("sess-1", func(ctx context.Context, e *event.Event) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	fb.deliver(t, event.NewVoiceResponse("sess-1", "mine", false))
	fb.deliver(t, event.NewVoiceResponse("sess-2", "not mine", false))

	mu.Lock()
	if len(got) != 1 || got[0].SessionID != "sess-1" {
		t.Fatalf("expected only sess-1 events, got %d", len(got))
	}
	mu.Unlock()

	sub.Unsubscribe([]event.Kind{event.KindWildcard}, wrapped)
	fb.deliver(t, event.NewVoiceResponse("sess-1", "after detach", false))

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Errorf("detached wrapper still received events, got %d", len(got))
	}
}

func TestReceiveErrorFlipsHealth(t *testing.T) {
	fb := newFakeBroker()
	sub := newSubscriber(fb)

	if err := sub.SubscribeToAll(func(ctx context.Context, e *event.Event) error { return nil }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if !sub.Healthy() {
		t.Fatal("subscriber should start healthy")
	}

	fb.receiveError(errors.New("connection refused"))
	if sub.Healthy() {
		t.Error("broker receive error should flip the subscriber unhealthy")
	}

	// The next delivered message proves the broker recovered.
	fb.deliver(t, event.NewVoiceResponse("s", "back", false))
	if !sub.Healthy() {
		t.Error("a delivered message should restore health")
	}
}

func TestSubscribeToUserFilters(t *testing.T) {
	fb := newFakeBroker()
	sub := newSubscriber(fb)

	var got []*event.Event
	var mu sync.Mutex
	wrapped, err := sub.SubscribeToUser("u42", func(ctx context.Context, e *event.Event) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	mine := event.New(event.KindUserCreated, "", event.UserCreatedPayload{UserID: "u42", Username: "bob"})
	mine.UserID = "u42"
	other := event.New(event.KindUserCreated, "", event.UserCreatedPayload{UserID: "u7", Username: "eve"})
	other.UserID = "u7"
	fb.deliver(t, mine)
	fb.deliver(t, other)

	mu.Lock()
	if len(got) != 1 || got[0].UserID != "u42" {
		t.Fatalf("expected only u42 events, got %d", len(got))
	}
	mu.Unlock()

	sub.Unsubscribe([]event.Kind{event.KindWildcard}, wrapped)
	fb.deliver(t, mine)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Errorf("detached wrapper still received events, got %d", len(got))
	}
}

func TestSubscribeToRealmFilters(t *testing.T) {
	fb := newFakeBroker()
	sub := newSubscriber(fb)

	var count int
	var mu sync.Mutex
	_, err := sub.SubscribeToRealm("master", func(ctx context.Context, e *event.Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	inRealm := event.NewComplianceCheck("master", "u1", "bob")
	outOfRealm := event.NewComplianceCheck("tenant-a", "u2", "eve")
	fb.deliver(t, inRealm)
	fb.deliver(t, outOfRealm)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("expected 1 in-realm delivery, got %d", count)
	}
}
