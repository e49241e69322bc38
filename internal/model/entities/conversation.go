package entities

import "time"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one conversation message.
type Turn struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// ToolName names an allow-listed action. ToolNone is the plain-reply variant.
type ToolName string

const (
	ToolNone            ToolName = "none"
	ToolStartInspection ToolName = "start_inspection"
	ToolReportStatus    ToolName = "report_status"
	ToolResetIndicator  ToolName = "reset_indicator"
)

// ToolCall is either a validated call (Name != ToolNone) or a reply carrying Text.
type ToolCall struct {
	Name      ToolName       `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Text      string         `json:"text,omitempty"`
}

func (c ToolCall) IsNone() bool { return c.Name == ToolNone || c.Name == "" }

// String returns a string argument, false when unset.
func (c ToolCall) String(key string) (string, bool) {
	s, ok := c.Arguments[key].(string)
	return s, ok
}

// Number returns a numeric argument, false when unset.
func (c ToolCall) Number(key string) (float64, bool) {
	f, ok := c.Arguments[key].(float64)
	return f, ok
}
