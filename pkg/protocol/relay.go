package protocol

import "strings"

// Audio relay text commands (client -> server). Tokens are colon-delimited.
// Unrecognized commands are silently ignored by the relay.
const (
	CmdStartCall      = "START_CALL"       // START_CALL:<callId>:<target>
	CmdJoinCall       = "JOIN_CALL"        // JOIN_CALL:<callId>
	CmdEndCall        = "END_CALL"         // END_CALL:<callId>
	CmdStartGroupCall = "START_GROUP_CALL" // START_GROUP_CALL:<callId>:<group>
	CmdJoinGroupCall  = "JOIN_GROUP_CALL"  // JOIN_GROUP_CALL:<callId>:<group>
	CmdLeaveGroupCall = "LEAVE_GROUP_CALL" // LEAVE_GROUP_CALL:<callId>:<group>
)

// Audio relay text notifications (server -> client).
const (
	NotifyGroupCallInvitation = "GROUP_CALL_INVITATION" // GROUP_CALL_INVITATION:<callId>:<group>:<initiator>
	NotifyCallEnded           = "CALL_ENDED"            // CALL_ENDED:<callId>
)

// Call binding types stored as relay session metadata.
const (
	CallTypeIndividual = "individual"
	CallTypeGroup      = "group"
)

// RelayCommand is a parsed relay control command.
type RelayCommand struct {
	Name   string
	CallID string
	Arg    string // target user for START_CALL, group name for group commands
}

// ParseRelayCommand parses a colon-delimited relay command line. The second
// return value is false when the line is not a complete known command.
//
// Splitting is not limited, so call ids, targets, and group names must not
// contain colons; extra tokens are discarded.
func ParseRelayCommand(line string) (RelayCommand, bool) {
	parts := strings.Split(line, ":")
	cmd := RelayCommand{Name: parts[0]}

	switch cmd.Name {
	case CmdJoinCall, CmdEndCall:
		if len(parts) < 2 {
			return RelayCommand{}, false
		}
		cmd.CallID = parts[1]
	case CmdStartCall, CmdStartGroupCall, CmdJoinGroupCall, CmdLeaveGroupCall:
		if len(parts) < 3 {
			return RelayCommand{}, false
		}
		cmd.CallID = parts[1]
		cmd.Arg = parts[2]
	default:
		return RelayCommand{}, false
	}
	return cmd, true
}

// GroupCallInvitation formats the invitation notification sent to connected
// relay sessions when a group call starts.
func GroupCallInvitation(callID, group, initiator string) string {
	return NotifyGroupCallInvitation + ":" + callID + ":" + group + ":" + initiator
}

// CallEnded formats the notification sent to bound sessions when a call
// binding is torn down.
func CallEnded(callID string) string {
	return NotifyCallEnded + ":" + callID
}
