// Package model defines the core domain types for Parley.
package model

// TimeLayout is the second-precision timestamp layout used for message
// timestamps and history lines.
const TimeLayout = "2006-01-02 15:04:05"

// Message types as carried on the wire and in history records.
const (
	TypePrivate = "private"
	TypeGroup   = "group"
)

// Call is an individual call session tracked by the call coordinator.
// Accepted transitions false -> true exactly once, and only while the
// session still exists.
type Call struct {
	ID       string
	Caller   string
	Receiver string
	Accepted bool
}

// GroupCall is an active group call. At most one exists per group at a
// time. The participant set is never empty while the call exists; the
// removal that empties it destroys the call.
type GroupCall struct {
	Group     string
	CallID    string
	Initiator string
}
