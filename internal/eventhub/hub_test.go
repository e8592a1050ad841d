package eventhub

import (
	"context"
	"testing"
)

type recordingBroadcaster struct {
	events   []string
	payloads []interface{}
}

func (r *recordingBroadcaster) BroadcastEvent(eventType string, payload interface{}) {
	r.events = append(r.events, eventType)
	r.payloads = append(r.payloads, payload)
}

func TestEmitWithoutBroadcaster(t *testing.T) {
	hub := New(context.Background())
	// Must not panic with no broadcaster attached.
	hub.EmitCheckpointCreated(CheckpointCreatedEvent{SessionID: "s1"})
}

func TestEventDispatch(t *testing.T) {
	hub := New(context.Background())
	rec := &recordingBroadcaster{}
	hub.SetBroadcaster(rec)

	hub.EmitCheckpointCreated(CheckpointCreatedEvent{SessionID: "s1", CheckpointID: "cp1"})
	hub.EmitCheckpointRestored(CheckpointRestoredEvent{SessionID: "s1", CheckpointID: "cp1", Files: 3})
	hub.EmitGCCompleted(GCCompletedEvent{BlobsRemoved: 2})

	want := []string{"checkpoint:created", "checkpoint:restored", "checkpoint:gc"}
	if len(rec.events) != len(want) {
		t.Fatalf("Expected %d events, got %d", len(want), len(rec.events))
	}
	for i, name := range want {
		if rec.events[i] != name {
			t.Errorf("Event %d: expected %s, got %s", i, name, rec.events[i])
		}
	}

	created, ok := rec.payloads[0].(CheckpointCreatedEvent)
	if !ok || created.CheckpointID != "cp1" {
		t.Errorf("Unexpected created payload: %+v", rec.payloads[0])
	}
}
