package eventbus

import "testing"

func TestEmitOrdersTypedBeforeWildcard(t *testing.T) {
	bus := New("test", 100, nil)

	var order []string
	bus.On("FOO", func(data any) { order = append(order, "typed") })
	bus.OnWildcard(func(env Envelope) { order = append(order, "wild:"+env.Type) })

	bus.Emit("FOO", "payload")

	if len(order) != 2 || order[0] != "typed" || order[1] != "wild:FOO" {
		t.Fatalf("expected [typed wild:FOO], got %v", order)
	}
}

func TestEmitPreservesRegistrationOrder(t *testing.T) {
	bus := New("test", 100, nil)

	var order []int
	for i := range 5 {
		i := i
		bus.On("EVT", func(data any) { order = append(order, i) })
	}
	bus.Emit("EVT", nil)

	for i, v := range order {
		if v != i {
			t.Fatalf("expected registration order 0..4, got %v", order)
		}
	}
}

func TestEmitUnknownTypeDeliversOnlyToWildcard(t *testing.T) {
	bus := New("test", 100, nil)

	typedCalled := false
	bus.On("OTHER", func(data any) { typedCalled = true })

	var wildType string
	bus.OnWildcard(func(env Envelope) { wildType = env.Type })

	bus.Emit("UNREGISTERED", 42)

	if typedCalled {
		t.Fatal("handler for a different event type should not fire")
	}
	if wildType != "UNREGISTERED" {
		t.Fatalf("expected wildcard to observe UNREGISTERED, got %q", wildType)
	}
}

func TestOffRemovesTypedHandlers(t *testing.T) {
	bus := New("test", 100, nil)

	called := false
	bus.On("FOO", func(data any) { called = true })
	bus.Off("FOO")
	bus.Emit("FOO", nil)

	if called {
		t.Fatal("handler should not fire after Off")
	}
}

func TestListenerCapWarnsButStillDelivers(t *testing.T) {
	bus := New("test", 1, nil)

	calls := 0
	bus.On("FOO", func(data any) { calls++ })
	bus.On("FOO", func(data any) { calls++ }) // exceeds cap of 1, should only warn

	bus.Emit("FOO", nil)

	if calls != 2 {
		t.Fatalf("exceeding the listener cap must not drop handlers, got %d calls", calls)
	}
	if bus.ListenerCount("FOO") != 2 {
		t.Fatalf("expected 2 registered listeners, got %d", bus.ListenerCount("FOO"))
	}
}

func TestEmitMutatesClonedSlice(t *testing.T) {
	bus := New("test", 100, nil)

	bus.On("FOO", func(data any) {
		// Registering a new handler mid-dispatch must not affect this emit's
		// in-flight handler slice.
		bus.On("FOO", func(data any) {})
	})

	bus.Emit("FOO", nil)
	if bus.ListenerCount("FOO") != 2 {
		t.Fatalf("expected the handler added during dispatch to be registered for next time, got %d", bus.ListenerCount("FOO"))
	}
}
