// Package eventbus implements the typed in-process pub/sub used to wire
// capture, batching, and scheduler lifecycle signals together (spec §4.4).
// Delivery is synchronous FIFO within one channel name; subscribers must not
// block the publisher — long work belongs in a scheduler, not a listener.
//
// Grounded on relay/cv/events.go's CVEventBus (named channels, mutex-guarded
// listener slices, synchronous broadcast), generalized to an arbitrary typed
// payload per channel instead of one struct per event kind.
package eventbus

import "sync"

// Channel names used by the core (spec §4.4).
const (
	ChannelScreenshotAccepted = "screenshot-accept"
	ChannelBatchReady         = "batch:ready"
	ChannelBatchPersisted     = "batch:persisted"
	ChannelVectorDocsDirty    = "vector-documents:dirty"
	ChannelContextNodeCreated = "context-node:created"
	ChannelSchedulerLifecycle = "scheduler:lifecycle"
	ChannelBackpressureChanged = "backpressure:changed"
)

// BatchReady is the payload for ChannelBatchReady.
type BatchReady struct {
	SourceKey     string
	ScreenshotIDs []string
	Trigger       string // "size" or "timeout"
}

// BatchPersisted is the payload for ChannelBatchPersisted.
type BatchPersisted struct {
	BatchDBID     string
	BatchID       string
	SourceKey     string
	ScreenshotIDs []string
}

// VectorDocDirty is the payload for ChannelVectorDocsDirty.
type VectorDocDirty struct {
	VectorDocID string
	RefID       string
}

// ContextNodeCreated is the payload for ChannelContextNodeCreated.
type ContextNodeCreated struct {
	NodeID        string
	BatchID       string
	ScreenshotID  string
	RequiresOCR   bool
}

// SchedulerLifecycle is the payload for ChannelSchedulerLifecycle.
type SchedulerLifecycle struct {
	Scheduler string
	Event     string // started, stopped, waked, cycle:start, cycle:end
}

// BackpressureChanged is the payload for ChannelBackpressureChanged,
// published whenever C13 changes level (spec §4.13: "emits the settings to
// the capture driver (interval) and C2 (threshold)").
type BackpressureChanged struct {
	Level                string // normal, light, medium, heavy
	CaptureIntervalMult  int
	PHashThreshold       int
}

// Bus is a typed, named-channel pub/sub. The zero value is not usable; use
// New. A Bus is safe for concurrent use.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string][]func(any)
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{listeners: make(map[string][]func(any))}
}

// Subscribe registers handler on channel. Handlers run synchronously and in
// registration order when Publish is called — they must not block.
func (b *Bus) Subscribe(channel string, handler func(any)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[channel] = append(b.listeners[channel], handler)
}

// Publish synchronously delivers payload to every handler on channel, in
// registration order (FIFO).
func (b *Bus) Publish(channel string, payload any) {
	b.mu.RLock()
	handlers := make([]func(any), len(b.listeners[channel]))
	copy(handlers, b.listeners[channel])
	b.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
}
