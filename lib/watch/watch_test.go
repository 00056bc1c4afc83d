package watch

import "testing"

func TestSubscribeYieldsCurrentSnapshotFirst(t *testing.T) {
	w := New([]int{1, 2, 3})
	ch, cancel := w.Subscribe()
	defer cancel()

	got := <-ch
	if len(got) != 3 {
		t.Fatalf("expected initial snapshot of length 3, got %v", got)
	}
}

func TestSetBroadcastsToSubscribers(t *testing.T) {
	w := New(0)
	ch, cancel := w.Subscribe()
	defer cancel()
	<-ch // drain initial snapshot

	w.Set(42)
	if got := <-ch; got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestSetOverwritesUnreadSnapshot(t *testing.T) {
	w := New(0)
	ch, cancel := w.Subscribe()
	defer cancel()
	<-ch // drain initial snapshot

	w.Set(1)
	w.Set(2)
	if got := <-ch; got != 2 {
		t.Fatalf("expected latest snapshot 2, got %d", got)
	}
	select {
	case extra := <-ch:
		t.Fatalf("expected no extra buffered value, got %d", extra)
	default:
	}
}

func TestCancelStopsSubscription(t *testing.T) {
	w := New(0)
	_, cancel := w.Subscribe()
	cancel()
	if len(w.subs) != 0 {
		t.Fatalf("expected subscription removed after cancel, got %d remaining", len(w.subs))
	}
}
