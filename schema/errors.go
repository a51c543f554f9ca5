package schema

import "errors"

var (
	// ErrUnknownAction indicates a message action the receiver does not handle.
	ErrUnknownAction = errors.New("unknown action")
	// ErrInvalidCommand indicates a shortcut command that does not name a tab.
	ErrInvalidCommand = errors.New("invalid command")
	// ErrAgentUnavailable indicates no agent is connected for the tab.
	ErrAgentUnavailable = errors.New("agent unavailable")
	// ErrAgentTimeout indicates the agent did not answer in time.
	ErrAgentTimeout = errors.New("agent did not respond")
	// ErrContextInvalidated indicates the agent's document or runtime went away.
	ErrContextInvalidated = errors.New("extension context invalidated")
	// ErrNotInjectable indicates a tab whose URL does not allow an agent.
	ErrNotInjectable = errors.New("tab is not injectable")
	// ErrTabNotFound indicates a tab id the host does not know.
	ErrTabNotFound = errors.New("tab not found")
)
