package core

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/tabjump/schema"
)

// Host is the browser-side collaborator the coordinator drives.
type Host interface {
	// ListTabs returns the current window's tabs in host enumeration order.
	ListTabs(ctx context.Context) ([]schema.Tab, error)
	// ActivateTab makes the tab the active one.
	ActivateTab(ctx context.Context, id schema.TabID) error
	// InjectAgent starts an agent in the tab. A nil error means the agent program was attached.
	InjectAgent(ctx context.Context, id schema.TabID) error
	// Subscribe returns a stream of tab lifecycle events and a cancel func.
	Subscribe() (<-chan schema.HostEvent, func())
}

// AgentLink delivers coordinator messages to agents.
type AgentLink interface {
	// Request delivers msg and waits for the agent's acknowledgement.
	Request(ctx context.Context, id schema.TabID, msg schema.Message) error
	// Notify delivers msg without waiting for an answer.
	Notify(ctx context.Context, id schema.TabID, msg schema.Message) error
}

// CoordinatorDeps captures the coordinator's collaborators.
type CoordinatorDeps struct {
	Host   Host
	Link   AgentLink
	Logger pslog.Logger
}
