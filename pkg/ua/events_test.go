package ua

import (
	"sync"
	"testing"
	"time"

	"github.com/arzzra/go-uacore/pkg/busproto"
)

func newTestEventAgent() *Agent {
	a := &Agent{events: nil}
	a.eventsCV = sync.NewCond(&a.eventsMu)
	return a
}

func TestPushEvent_WakesWaiter(t *testing.T) {
	a := newTestEventAgent()

	done := make(chan *busproto.Event, 1)
	go func() {
		done <- a.waitForEvent(1000)
	}()

	time.Sleep(20 * time.Millisecond)
	a.pushEvent(&busproto.Event{Event: busproto.EventLog})

	select {
	case ev := <-done:
		if ev == nil || ev.Event != busproto.EventLog {
			t.Fatalf("expected log event, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("waitForEvent did not wake after pushEvent")
	}
}

func TestWaitForEvent_TimesOut(t *testing.T) {
	a := newTestEventAgent()

	start := time.Now()
	ev := a.waitForEvent(50)
	if ev != nil {
		t.Fatalf("expected nil event on timeout, got %+v", ev)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("waitForEvent returned too early: %v", elapsed)
	}
}

func TestWaitForEvent_NonPositiveTimeoutReturnsImmediately(t *testing.T) {
	a := newTestEventAgent()
	if ev := a.waitForEvent(0); ev != nil {
		t.Fatalf("expected nil event with no timeout and empty queue, got %+v", ev)
	}
}

func TestPushEvent_DropsOldestWhenFull(t *testing.T) {
	a := newTestEventAgent()
	for i := 0; i < eventQueueCapacity+10; i++ {
		a.pushEvent(&busproto.Event{Event: busproto.EventLog, Code: i})
	}

	a.eventsMu.Lock()
	n := len(a.events)
	first := a.events[0].Code
	a.eventsMu.Unlock()

	if n != eventQueueCapacity {
		t.Fatalf("expected queue capped at %d, got %d", eventQueueCapacity, n)
	}
	if first != 10 {
		t.Fatalf("expected oldest 10 events dropped, first remaining code = %d", first)
	}
}
