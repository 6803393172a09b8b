package agentloop

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestEventEmitterPreservesOrder(t *testing.T) {
	emitter := NewEventEmitter()
	for i := 0; i < 100; i++ {
		emitter.Emit(Event{Kind: EventTextDelta, Text: fmt.Sprint(i)})
	}
	emitter.Close()

	i := 0
	for ev := range emitter.Events() {
		if ev.Text != fmt.Sprint(i) {
			t.Fatalf("event %d out of order: %q", i, ev.Text)
		}
		if ev.Timestamp.IsZero() {
			t.Error("expected a timestamp")
		}
		i++
	}
	if i != 100 {
		t.Errorf("expected 100 events after close, got %d", i)
	}
	<-emitter.Done()
}

func TestEventEmitterNeverBlocksProducer(t *testing.T) {
	emitter := NewEventEmitter()
	defer emitter.Close()

	done := make(chan struct{})
	go func() {
		// Nobody is reading Events.
		for i := 0; i < 10000; i++ {
			emitter.Emit(Event{Kind: EventTextDelta})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Emit blocked on a stalled consumer")
	}
}

func TestEventEmitterConcurrentProducers(t *testing.T) {
	emitter := NewEventEmitter()

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				emitter.Emit(Event{Kind: EventTextDelta, ThreadID: fmt.Sprint(p), Round: i})
			}
		}(p)
	}

	counts := map[string]int{}
	lastRound := map[string]int{}
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for ev := range emitter.Events() {
			if counts[ev.ThreadID] > 0 && ev.Round <= lastRound[ev.ThreadID] {
				t.Errorf("producer %s delivered out of order", ev.ThreadID)
			}
			counts[ev.ThreadID]++
			lastRound[ev.ThreadID] = ev.Round
		}
	}()

	wg.Wait()
	emitter.Close()
	<-finished

	for p := 0; p < 8; p++ {
		if counts[fmt.Sprint(p)] != 250 {
			t.Errorf("producer %d: expected 250 events, got %d", p, counts[fmt.Sprint(p)])
		}
	}
}

func TestEventEmitterDropsAfterClose(t *testing.T) {
	emitter := NewEventEmitter()
	emitter.Emit(Event{Kind: EventUsage})
	emitter.Close()
	emitter.Close()
	emitter.Emit(Event{Kind: EventError})

	var kinds []EventKind
	for ev := range emitter.Events() {
		kinds = append(kinds, ev.Kind)
	}
	if len(kinds) != 1 || kinds[0] != EventUsage {
		t.Errorf("expected only the pre-close event, got %v", kinds)
	}
}

func TestMultiSink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	sink := MultiSink{a, nil, b}
	sink.Emit(Event{Kind: EventTurnComplete})

	if len(a.kinds()) != 1 || len(b.kinds()) != 1 {
		t.Errorf("expected both sinks to receive the event")
	}
}

func TestDriveDeliversEveryEventToSlowConsumer(t *testing.T) {
	client := &scriptedClient{script: []scriptStep{
		toolStep("", call("c1", "bash", `{"command":"ls"}`), call("c2", "bash", `{"command":"pwd"}`)),
		textStep("finished"),
	}}
	engine := newTestEngine(client, nil)

	var seen []EventKind
	result, err := Drive(context.Background(), engine, newUserThread("go"), testCatalog, &recordingExecutor{}, func(events <-chan Event) {
		for ev := range events {
			time.Sleep(time.Millisecond)
			seen = append(seen, ev.Kind)
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reason != StopTextResponse {
		t.Errorf("expected text_response, got %s", result.Reason)
	}
	if len(seen) == 0 || seen[len(seen)-1] != EventTurnComplete {
		t.Fatalf("expected every event through turn_complete, got %v", seen)
	}
}

func TestDriveConsumerMayStopEarly(t *testing.T) {
	client := &scriptedClient{script: []scriptStep{textStep("a longer answer")}}
	engine := newTestEngine(client, nil)

	_, err := Drive(context.Background(), engine, newUserThread("go"), testCatalog, nil, func(events <-chan Event) {
		<-events
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
