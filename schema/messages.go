package schema

// Action names a coordinator/agent message.
type Action string

const (
	// ActionUpdateTabNumber pushes the current numbering to an agent.
	ActionUpdateTabNumber Action = "updateTabNumber"
	// ActionShowNumber asks an agent to show the overlay.
	ActionShowNumber Action = "showNumber"
	// ActionHideNumber asks an agent to hide the overlay.
	ActionHideNumber Action = "hideNumber"

	// ActionSwitchToTab asks the coordinator to activate tab n.
	ActionSwitchToTab Action = "switchToTab"
	// ActionContentScriptReady announces a started agent.
	ActionContentScriptReady Action = "contentScriptReady"
	// ActionCommandPressed reports the modifier going down.
	ActionCommandPressed Action = "commandPressed"
	// ActionCommandReleased reports the modifier going up.
	ActionCommandReleased Action = "commandReleased"
)

// Message is the payload exchanged between coordinator and agents.
// Only the fields relevant to Action are set.
type Message struct {
	Action        Action `json:"action"`
	TabNumber     int    `json:"tabNumber,omitempty"`
	TotalTabs     int    `json:"totalTabs,omitempty"`
	OriginalTitle string `json:"originalTitle,omitempty"`
	IsActive      bool   `json:"isActive,omitempty"`
}

// Response acknowledges a request.
type Response struct {
	Success bool `json:"success"`
}

// OK is the acknowledgement every handled request returns.
var OK = Response{Success: true}

// UpdateTabNumber builds an updateTabNumber message.
func UpdateTabNumber(index, total int, cleanTitle string, active bool) Message {
	return Message{
		Action:        ActionUpdateTabNumber,
		TabNumber:     index,
		TotalTabs:     total,
		OriginalTitle: cleanTitle,
		IsActive:      active,
	}
}

// ShowNumber builds a showNumber message.
func ShowNumber(index int, cleanTitle string) Message {
	return Message{Action: ActionShowNumber, TabNumber: index, OriginalTitle: cleanTitle}
}

// HideNumber builds a hideNumber message.
func HideNumber() Message {
	return Message{Action: ActionHideNumber}
}

// SwitchToTab builds a switchToTab request.
func SwitchToTab(n int) Message {
	return Message{Action: ActionSwitchToTab, TabNumber: n}
}
