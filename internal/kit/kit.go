// Package kit holds the contracts shared between the core services and the
// delivery transport. The core depends on these interfaces only; the
// Telegram adapter (or a test fake) provides the implementation.
package kit

import "context"

// Payload travels with a delivered notification so the transport can route
// the user back to the right place when the notification is opened.
type Payload struct {
	ContentID    string `json:"content_id"`
	CategoryID   string `json:"category_id,omitempty"`
	CategoryName string `json:"category_name,omitempty"`
}

// Notification is a formatted, ready-to-deliver user notification.
type Notification struct {
	Title   string
	Body    string
	Payload Payload
}

// Transport displays notifications to the user. Implementations own
// platform specifics (registration, message formats, cleanup).
type Transport interface {
	// RegisterIdentity validates the delivery credential. Called once at
	// startup; a failure is fatal for the transport, not for the core.
	RegisterIdentity(ctx context.Context, token string) error

	// Schedule presents a single notification. Errors are reported to the
	// caller but the caller treats the item as handled either way.
	Schedule(ctx context.Context, n Notification) error

	// ClearAll removes notifications this transport has presented and is
	// still tracking. Best effort.
	ClearAll(ctx context.Context) error
}

// Router is the navigate-on-open capability. The core never reaches into
// UI code directly; whoever owns the UI injects a Router.
type Router interface {
	OpenItem(ctx context.Context, contentID string) error
	OpenHome(ctx context.Context) error
}

// ControlKind identifies a user control action arriving through the
// transport's inbound surface.
type ControlKind string

const (
	ControlNotifications ControlKind = "notifications" // enable/disable polling notifications
	ControlRealtime      ControlKind = "realtime"      // enable/disable the realtime channel
	ControlCheckNow      ControlKind = "check_now"     // manual poll
	ControlStatus        ControlKind = "status"        // status report request
	ControlClear         ControlKind = "clear"         // clear presented notifications
)

// Update is a control action parsed by the transport. Enabled is only
// meaningful for the toggle kinds.
type Update struct {
	Kind    ControlKind
	Enabled bool
}
