package signal

import "testing"

func TestEmitDeliversToAllHandlersInOrder(t *testing.T) {
	e := New[int]()
	var order []int
	e.On(func(v int) { order = append(order, v*10) })
	e.On(func(v int) { order = append(order, v*100) })

	e.Emit(1)
	if len(order) != 2 || order[0] != 10 || order[1] != 100 {
		t.Fatalf("unexpected delivery order: %v", order)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	e := New[string]()
	received := 0
	unsubscribe := e.On(func(string) { received++ })

	e.Emit("a")
	unsubscribe()
	e.Emit("b")

	if received != 1 {
		t.Fatalf("expected exactly 1 delivery, got %d", received)
	}
}

func TestPanickingHandlerDoesNotBlockOthers(t *testing.T) {
	e := New[int]()
	secondCalled := false
	e.On(func(int) { panic("boom") })
	e.On(func(int) { secondCalled = true })

	e.Emit(1)
	if !secondCalled {
		t.Fatal("expected second handler to still run after first panicked")
	}
}
