package agent

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/tabjump/schema"
)

// KeyEvent is a key press or release observed in the document.
type KeyEvent struct {
	Key   string
	Meta  bool
	Ctrl  bool
	Alt   bool
	Shift bool
}

// Listener receives document input. The agent implements it.
type Listener interface {
	// KeyDown reports whether the key's default action must be suppressed.
	KeyDown(ev KeyEvent) bool
	KeyUp(ev KeyEvent)
	Blur()
	// Fail surfaces an asynchronous runtime error from the document side.
	Fail(err error)
}

// Document is the agent's view of the page it lives in.
type Document interface {
	// Ready blocks until the document content is loaded.
	Ready(ctx context.Context) error
	Title(ctx context.Context) (string, error)
	SetTitle(ctx context.Context, title string) error
	// Attach starts delivering input to l and returns a detach func.
	Attach(l Listener) (func(), error)
}

// Link carries agent requests to the coordinator.
type Link interface {
	Send(ctx context.Context, msg schema.Message) error
}

// Deps captures agent collaborators.
type Deps struct {
	Document   Document
	Link       Link
	Logger     pslog.Logger
	TabID      schema.TabID
	Generation schema.Generation
}
