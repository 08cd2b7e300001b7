package journal

import (
	"path/filepath"
	"testing"
)

func TestRecordAndEvents(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "nested", "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	steps := []struct{ event, detail string }{
		{"picked_up", ""},
		{"completed", "commit=abc123"},
	}
	for _, s := range steps {
		if err := j.Record("m1", "acme", "u1", s.event, s.detail); err != nil {
			t.Fatalf("Record(%s): %v", s.event, err)
		}
	}
	if err := j.Record("m2", "acme", "u1", "picked_up", ""); err != nil {
		t.Fatal(err)
	}

	events, err := j.Events("m1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Event != "picked_up" || events[1].Event != "completed" {
		t.Errorf("order = %s, %s", events[0].Event, events[1].Event)
	}
	if events[1].Detail != "commit=abc123" {
		t.Errorf("detail = %q", events[1].Detail)
	}
	if events[0].Project != "acme" || events[0].User != "u1" {
		t.Errorf("event = %+v", events[0])
	}
}

func TestEventsForUnknownMessage(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	events, err := j.Events("nope")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("events = %v, want none", events)
	}
}
