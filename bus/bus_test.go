package bus

import (
	"testing"
	"time"

	"fieldlink/driver"
	"fieldlink/point"
)

func telemetryEvent(id point.ID, value float64) driver.DataEvent {
	t := point.NewTelemetry(id, value)
	return driver.DataEvent{Kind: driver.EventChanged, Telemetry: &t}
}

func TestPublishOrderPerSubscriber(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(driver.SubscribeOptions{Buffer: 10})
	defer cancel()

	for i := 0; i < 5; i++ {
		b.Publish(telemetryEvent("T-1", float64(i)))
	}

	for i := 0; i < 5; i++ {
		select {
		case ev := <-ch:
			if ev.Telemetry.Value != float64(i) {
				t.Fatalf("event %d out of order: got %v", i, ev.Telemetry.Value)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestNoReplayForLateSubscriber(t *testing.T) {
	b := New()
	b.Publish(telemetryEvent("T-1", 1))

	ch, cancel := b.Subscribe(driver.SubscribeOptions{Buffer: 4})
	defer cancel()

	select {
	case ev := <-ch:
		t.Fatalf("late subscriber received history: %v", ev)
	case <-time.After(20 * time.Millisecond):
	}

	b.Publish(telemetryEvent("T-1", 2))
	select {
	case ev := <-ch:
		if ev.Telemetry.Value != 2 {
			t.Fatalf("got %v, want the post-subscribe event", ev.Telemetry.Value)
		}
	case <-time.After(time.Second):
		t.Fatal("missing post-subscribe event")
	}
}

func TestDropOldestUnderPressure(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(driver.SubscribeOptions{Buffer: 2, Policy: driver.DropOldest})
	defer cancel()

	// Nothing drains; buffer 2 holds the newest two of four events.
	for i := 1; i <= 4; i++ {
		b.Publish(telemetryEvent("T-1", float64(i)))
	}

	first := <-ch
	second := <-ch
	if first.Telemetry.Value != 3 || second.Telemetry.Value != 4 {
		t.Fatalf("kept %v, %v; want the newest events 3, 4", first.Telemetry.Value, second.Telemetry.Value)
	}
}

func TestBlockPublisherWaitsForSpace(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(driver.SubscribeOptions{Buffer: 1, Policy: driver.BlockPublisher})
	defer cancel()

	b.Publish(telemetryEvent("T-1", 1)) // fills the buffer

	published := make(chan struct{})
	go func() {
		b.Publish(telemetryEvent("T-1", 2)) // must block until a drain
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("publisher did not block on full Block subscriber")
	case <-time.After(20 * time.Millisecond):
	}

	<-ch // drain one
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publisher stayed blocked after drain")
	}
}

func TestCancelUnblocksPublisher(t *testing.T) {
	b := New()
	_, cancel := b.Subscribe(driver.SubscribeOptions{Buffer: 1, Policy: driver.BlockPublisher})

	b.Publish(telemetryEvent("T-1", 1))

	published := make(chan struct{})
	go func() {
		b.Publish(telemetryEvent("T-1", 2))
		close(published)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("cancel did not release the blocked publisher")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("subscriber count = %d after cancel", b.SubscriberCount())
	}
}

func TestCancelIdempotentAndClosesChannel(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(driver.SubscribeOptions{})
	cancel()
	cancel() // second call must not panic

	if _, open := <-ch; open {
		t.Fatal("channel should be closed after cancel")
	}
	b.Publish(telemetryEvent("T-1", 1)) // must not panic on closed channel
}

func TestHandlerRunsInline(t *testing.T) {
	b := New()

	var got []float64
	b.SetHandler(driver.DataEventHandlerFunc(func(ev driver.DataEvent) {
		got = append(got, ev.Telemetry.Value)
	}))

	b.Publish(telemetryEvent("T-1", 7))
	// Publish is synchronous for the handler, so the value is visible
	// immediately.
	if len(got) != 1 || got[0] != 7 {
		t.Fatalf("handler saw %v", got)
	}

	b.SetHandler(nil)
	b.Publish(telemetryEvent("T-1", 8))
	if len(got) != 1 {
		t.Fatal("cleared handler still invoked")
	}
}
