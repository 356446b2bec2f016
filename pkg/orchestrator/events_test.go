package orchestrator

import "testing"

func TestEventBusSince(t *testing.T) {
	bus := NewEventBus(3)
	bus.Publish(Event{Type: EventLog, Message: "1"})
	bus.Publish(Event{Type: EventLog, Message: "2"})
	bus.Publish(Event{Type: EventLog, Message: "3"})

	events := bus.Since(1)
	if len(events) != 2 {
		t.Fatalf("len = %d, want 2", len(events))
	}
	if events[0].Seq != 2 || events[1].Seq != 3 {
		t.Fatalf("unexpected seqs: %+v", events)
	}
	if bus.LastSeq() != 3 {
		t.Fatalf("LastSeq = %d, want 3", bus.LastSeq())
	}
}

func TestEventBusCapsHistory(t *testing.T) {
	bus := NewEventBus(2)
	bus.Publish(Event{Message: "1"})
	bus.Publish(Event{Message: "2"})
	bus.Publish(Event{Message: "3"})

	events := bus.Since(0)
	if len(events) != 2 {
		t.Fatalf("len = %d, want 2", len(events))
	}
	if events[0].Message != "2" || events[1].Message != "3" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestEventBusSubscribe(t *testing.T) {
	bus := NewEventBus(10)
	var got []string
	unsubscribe := bus.Subscribe(func(e Event) { got = append(got, e.Message) })

	bus.Publish(Event{Message: "a"})
	unsubscribe()
	bus.Publish(Event{Message: "b"})

	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("subscriber saw %v, want [a]", got)
	}
}
