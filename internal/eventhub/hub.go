package eventhub

import (
	"context"
)

// Broadcaster is implemented by the transport layer (the IDE's WebSocket
// server) to push events to connected clients. The engine never talks to the
// transport directly.
type Broadcaster interface {
	BroadcastEvent(eventType string, payload interface{})
}

// EventHub is the single dispatch point for engine events.
type EventHub struct {
	ctx         context.Context
	broadcaster Broadcaster
}

// New creates a new EventHub.
func New(ctx context.Context) *EventHub {
	return &EventHub{ctx: ctx}
}

// SetBroadcaster attaches the transport-side broadcaster.
func (h *EventHub) SetBroadcaster(b Broadcaster) {
	h.broadcaster = b
}

func (h *EventHub) emit(eventName string, payload interface{}) {
	if h.broadcaster != nil {
		h.broadcaster.BroadcastEvent(eventName, payload)
	}
}

// Emit sends an arbitrary event.
func (h *EventHub) Emit(eventName string, payload interface{}) {
	h.emit(eventName, payload)
}

// CheckpointCreatedEvent is emitted after a capture fully persisted its
// blobs, tree and node.
type CheckpointCreatedEvent struct {
	SessionID    string `json:"session_id"`
	CheckpointID string `json:"checkpoint_id"`
	MessageID    string `json:"message_id"`
	TreeHash     string `json:"tree_hash,omitempty"`
	FilesChanged int    `json:"files_changed"`
	Insertions   int    `json:"insertions"`
	Deletions    int    `json:"deletions"`
}

func (h *EventHub) EmitCheckpointCreated(event CheckpointCreatedEvent) {
	h.emit("checkpoint:created", event)
}

// CheckpointRestoredEvent is emitted after a restore materialized its files
// and moved HEAD.
type CheckpointRestoredEvent struct {
	SessionID    string `json:"session_id"`
	CheckpointID string `json:"checkpoint_id"`
	Files        int    `json:"files"`
}

func (h *EventHub) EmitCheckpointRestored(event CheckpointRestoredEvent) {
	h.emit("checkpoint:restored", event)
}

// GCCompletedEvent is emitted after a garbage collection sweep.
type GCCompletedEvent struct {
	BlobsRemoved int   `json:"blobs_removed"`
	TreesRemoved int   `json:"trees_removed"`
	BytesFreed   int64 `json:"bytes_freed"`
}

func (h *EventHub) EmitGCCompleted(event GCCompletedEvent) {
	h.emit("checkpoint:gc", event)
}
