// Package pb defines the control plane message envelope.
//
// Every control frame is a ControlMessage with exactly one field set,
// mirroring a protobuf oneof. Requests flow client -> server; responses
// and events flow server -> client over the same connection.
package pb

// ControlMessage wraps all control plane messages.
type ControlMessage struct {
	// Requests (client -> server). Only one of these fields should be set.
	RegisterReq       *RegisterRequest          `json:"register_request,omitempty"`
	UnregisterReq     *UnregisterRequest        `json:"unregister_request,omitempty"`
	ListUsersReq      *ListUsersRequest         `json:"list_users_request,omitempty"`
	ListGroupsReq     *ListGroupsRequest        `json:"list_groups_request,omitempty"`
	PrivateMsgReq     *PrivateMessageRequest    `json:"private_message_request,omitempty"`
	PrivateHistReq    *PrivateHistoryRequest    `json:"private_history_request,omitempty"`
	CreateGroupReq    *CreateGroupRequest       `json:"create_group_request,omitempty"`
	AddToGroupReq     *AddToGroupRequest        `json:"add_to_group_request,omitempty"`
	GroupMsgReq       *GroupMessageRequest      `json:"group_message_request,omitempty"`
	GroupHistReq      *GroupHistoryRequest      `json:"group_history_request,omitempty"`
	AudioMsgReq       *AudioMessageRequest      `json:"audio_message_request,omitempty"`
	GroupAudioMsgReq  *GroupAudioMessageRequest `json:"group_audio_message_request,omitempty"`
	CallReq           *CallRequest              `json:"call_request,omitempty"`
	AcceptCallReq     *AcceptCallRequest        `json:"accept_call_request,omitempty"`
	RejectCallReq     *RejectCallRequest        `json:"reject_call_request,omitempty"`
	EndCallReq        *EndCallRequest           `json:"end_call_request,omitempty"`
	GroupCallReq      *GroupCallRequest         `json:"group_call_request,omitempty"`
	JoinGroupCallReq  *JoinGroupCallRequest     `json:"join_group_call_request,omitempty"`
	LeaveGroupCallReq *LeaveGroupCallRequest    `json:"leave_group_call_request,omitempty"`
	EndGroupCallReq   *EndGroupCallRequest      `json:"end_group_call_request,omitempty"`
	StreamAudioReq    *StreamAudioRequest       `json:"stream_audio_request,omitempty"`
	StreamGroupReq    *StreamGroupAudioRequest  `json:"stream_group_audio_request,omitempty"`
	Ping              *Ping                     `json:"ping,omitempty"`

	// Responses (server -> client).
	RegisterResp  *RegisterResponse  `json:"register_response,omitempty"`
	Result        *Result            `json:"result,omitempty"`
	UserListResp  *UserListResponse  `json:"user_list_response,omitempty"`
	GroupListResp *GroupListResponse `json:"group_list_response,omitempty"`
	HistoryResp   *HistoryResponse   `json:"history_response,omitempty"`
	ErrorResp     *ErrorResponse     `json:"error_response,omitempty"`
	Pong          *Pong              `json:"pong,omitempty"`

	// Push events (server -> client, one-way).
	UserJoined       *UserJoinedEvent       `json:"user_joined_event,omitempty"`
	UserLeft         *UserLeftEvent         `json:"user_left_event,omitempty"`
	GroupCreated     *GroupCreatedEvent     `json:"group_created_event,omitempty"`
	MessageRecv      *MessageEvent          `json:"message_event,omitempty"`
	AudioRecv        *AudioMessageEvent     `json:"audio_message_event,omitempty"`
	CallRequested    *CallRequestEvent      `json:"call_request_event,omitempty"`
	CallAccepted     *CallAcceptedEvent     `json:"call_accepted_event,omitempty"`
	CallRejected     *CallRejectedEvent     `json:"call_rejected_event,omitempty"`
	CallEnded        *CallEndedEvent        `json:"call_ended_event,omitempty"`
	GroupCallInvited *GroupCallRequestEvent `json:"group_call_request_event,omitempty"`
	GroupCallEnded   *GroupCallEndedEvent   `json:"group_call_ended_event,omitempty"`
	CallAudio        *CallAudioEvent        `json:"call_audio_event,omitempty"`
}

// ----- Requests -----

type RegisterRequest struct {
	Username string `json:"username"`
}

type UnregisterRequest struct{}

type ListUsersRequest struct{}

// ListGroupsRequest asks for the groups the requesting user belongs to.
type ListGroupsRequest struct{}

type PrivateMessageRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

type PrivateHistoryRequest struct {
	With string `json:"with"`
}

type CreateGroupRequest struct {
	Name string `json:"name"`
}

type AddToGroupRequest struct {
	Group    string `json:"group"`
	Username string `json:"username"`
}

type GroupMessageRequest struct {
	Group   string `json:"group"`
	Content string `json:"content"`
}

type GroupHistoryRequest struct {
	Group string `json:"group"`
}

// AudioMessageRequest carries a voice note. AudioID may be empty; the
// server assigns a reference id before persisting.
type AudioMessageRequest struct {
	To      string `json:"to"`
	Payload []byte `json:"payload"`
	AudioID string `json:"audio_id,omitempty"`
}

type GroupAudioMessageRequest struct {
	Group   string `json:"group"`
	Payload []byte `json:"payload"`
	AudioID string `json:"audio_id,omitempty"`
}

type CallRequest struct {
	To     string `json:"to"`
	CallID string `json:"call_id"`
}

type AcceptCallRequest struct {
	To     string `json:"to"` // the original caller
	CallID string `json:"call_id"`
}

type RejectCallRequest struct {
	To     string `json:"to"`
	CallID string `json:"call_id"`
}

type EndCallRequest struct {
	To     string `json:"to"`
	CallID string `json:"call_id"`
}

type GroupCallRequest struct {
	Group  string `json:"group"`
	CallID string `json:"call_id"`
}

type JoinGroupCallRequest struct {
	Group  string `json:"group"`
	CallID string `json:"call_id"`
}

type LeaveGroupCallRequest struct {
	Group  string `json:"group"`
	CallID string `json:"call_id"`
}

type EndGroupCallRequest struct {
	Group  string `json:"group"`
	CallID string `json:"call_id"`
}

// StreamAudioRequest is the control-plane variant of call audio streaming,
// used when the dedicated relay transport is unavailable.
type StreamAudioRequest struct {
	To      string `json:"to"`
	Payload []byte `json:"payload"`
}

type StreamGroupAudioRequest struct {
	Group   string `json:"group"`
	Payload []byte `json:"payload"`
}

type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

// ----- Responses -----

type RegisterResponse struct {
	OK       bool     `json:"ok"`
	Message  string   `json:"message,omitempty"`
	Users    []string `json:"users,omitempty"` // currently online users
	Username string   `json:"username,omitempty"`
}

// Result is the generic boolean outcome of a control operation.
type Result struct {
	OK bool `json:"ok"`
}

type UserListResponse struct {
	Users []string `json:"users"`
}

type GroupListResponse struct {
	Groups []string `json:"groups"`
}

type HistoryResponse struct {
	Messages []HistoryMessage `json:"messages"`
}

// HistoryMessage is a message record reconstructed from a history line.
type HistoryMessage struct {
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
}

type ErrorResponse struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

// ----- Events -----

type UserJoinedEvent struct {
	Username string `json:"username"`
}

type UserLeftEvent struct {
	Username string `json:"username"`
}

type GroupCreatedEvent struct {
	Group   string `json:"group"`
	Creator string `json:"creator"`
}

type MessageEvent struct {
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`            // "private" or "group"
	Group     string `json:"group,omitempty"` // set for group messages
}

type AudioMessageEvent struct {
	Sender  string `json:"sender"`
	Payload []byte `json:"payload"`
	AudioID string `json:"audio_id"`
	Group   string `json:"group,omitempty"`
}

type CallRequestEvent struct {
	From   string `json:"from"`
	CallID string `json:"call_id"`
}

type CallAcceptedEvent struct {
	From   string `json:"from"`
	CallID string `json:"call_id"`
}

type CallRejectedEvent struct {
	From string `json:"from"`
}

type CallEndedEvent struct {
	From string `json:"from"`
}

type GroupCallRequestEvent struct {
	From   string `json:"from"`
	Group  string `json:"group"`
	CallID string `json:"call_id"`
}

type GroupCallEndedEvent struct {
	Group string `json:"group"`
}

type CallAudioEvent struct {
	From    string `json:"from"`
	Payload []byte `json:"payload"`
}
