package sync

import "time"

// EventType names a sync notification.
type EventType string

const (
	EventSyncStarted      EventType = "sync.started"
	EventSyncCompleted    EventType = "sync.completed"
	EventSyncFailed       EventType = "sync.failed"
	EventOperationFailed  EventType = "sync.operation_failed"
	EventConflictDetected EventType = "sync.conflict_detected"
	EventConflictResolved EventType = "sync.conflict_resolved"
	EventRemoteChange     EventType = "sync.remote_change"
)

// SyncEvent is delivered to the registered SyncEventHandler.
type SyncEvent struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// SyncEventHandler receives sync notifications. Handlers run on the
// goroutine that produced the event and must not block.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(event SyncEvent)

// OnSyncEvent implements SyncEventHandler.
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) {
	f(event)
}
