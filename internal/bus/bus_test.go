package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicSignalParsed)
	defer b.Unsubscribe(sub)

	b.Publish(TopicSignalParsed, SignalEvent{SignalID: "abc", StrategyID: 1, Status: "parsed"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicSignalParsed {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicSignalParsed)
		}
		sig, ok := event.Payload.(SignalEvent)
		if !ok {
			t.Fatalf("payload type = %T, want SignalEvent", event.Payload)
		}
		if sig.SignalID != "abc" || sig.StrategyID != 1 {
			t.Fatalf("payload = %+v", sig)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	// Subscribe to "signal." prefix.
	signalSub := b.Subscribe("signal.")
	defer b.Unsubscribe(signalSub)

	// Subscribe to all events.
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicSignalFailed, SignalEvent{SignalID: "x", Status: "failed"})
	b.Publish(TopicCaptureStateChanged, CaptureStateEvent{Active: true})

	// signalSub should receive signal.failed but not capture.state_changed.
	select {
	case event := <-signalSub.Ch():
		if event.Topic != TopicSignalFailed {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicSignalFailed)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for signal event")
	}

	// signalSub should not have the capture event.
	select {
	case event := <-signalSub.Ch():
		t.Fatalf("unexpected event on signalSub: %v", event)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}

	// allSub should receive both.
	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_NonBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicSignalParsed)
	defer b.Unsubscribe(sub)

	// Fill the buffer.
	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicSignalParsed, i)
	}

	// Should not deadlock. Drain what we can.
	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			goto done
		}
	}
done:
	if count != defaultBufferSize {
		t.Fatalf("received %d events, expected %d (buffer size)", count, defaultBufferSize)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicStrategyUpdated)

	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}

	// Channel should be closed.
	_, ok := <-sub.Ch()
	if ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	b := New()
	sub1 := b.Subscribe(TopicCaptureStateChanged)
	sub2 := b.Subscribe(TopicCaptureStateChanged)
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish(TopicCaptureStateChanged, CaptureStateEvent{Active: true, Paused: false})

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case event := <-sub.Ch():
			state, ok := event.Payload.(CaptureStateEvent)
			if !ok || !state.Active {
				t.Fatalf("payload = %v", event.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5
	total := goroutines * perGoroutine

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish(TopicSignalParsed, id*100+i)
			}
		}(g)
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
		default:
			goto done2
		}
	}
done2:
	if received != total {
		t.Fatalf("received %d events, want %d", received, total)
	}
}
