package schema

// TabID identifies a host tab. It is opaque to the coordinator.
type TabID string

// Generation identifies one agent instance. A tab that navigates gets a new generation.
type Generation string

// Tab is a read-only snapshot of a host tab.
type Tab struct {
	ID       TabID
	URL      string
	Title    string
	Active   bool
	WindowID int
}

// HostEventType identifies a tab lifecycle event reported by the host.
type HostEventType string

const (
	// HostTabCreated is emitted when a tab opens.
	HostTabCreated HostEventType = "created"
	// HostTabRemoved is emitted when a tab closes.
	HostTabRemoved HostEventType = "removed"
	// HostTabUpdated is emitted when a tab changes; Status carries the load status.
	HostTabUpdated HostEventType = "updated"
	// HostTabActivated is emitted when a tab becomes the active tab.
	HostTabActivated HostEventType = "activated"
)

// StatusComplete marks a finished navigation on HostTabUpdated events.
const StatusComplete = "complete"

// HostEvent is a tab lifecycle event.
type HostEvent struct {
	Type   HostEventType
	TabID  TabID
	Status string
	URL    string
}
