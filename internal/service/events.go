package service

// EventType defines the type of event.
type EventType string

const (
	EventNodeAdded         EventType = "node_added"
	EventNodeRenamed       EventType = "node_renamed"
	EventNodeRemoved       EventType = "node_removed"
	EventNodeResized       EventType = "node_resized"
	EventLinkAdded         EventType = "link_added"
	EventLinkUpdated       EventType = "link_updated"
	EventLinkRemoved       EventType = "link_removed"
	EventTopologySaved     EventType = "topology_saved"
	EventTopologyReloaded  EventType = "topology_reloaded"
	EventProcessTransition EventType = "process_transition"
)

// Event represents an event that occurred in the system.
type Event struct {
	Type    EventType   `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventBus allows publishing and subscribing to events. Subscribers are
// registered during wiring, before any publisher runs.
type EventBus struct {
	subscribers []chan<- Event
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make([]chan<- Event, 0),
	}
}

// Subscribe adds a subscriber to receive events.
func (eb *EventBus) Subscribe(ch chan<- Event) {
	eb.subscribers = append(eb.subscribers, ch)
}

// Publish sends an event to all subscribers.
func (eb *EventBus) Publish(event Event) {
	for _, ch := range eb.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber is slow, skip
		}
	}
}
