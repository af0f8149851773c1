package signal

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Control-channel method names. Every frame on the channel is a jsonrpc2
// request whose Method is one of these and whose Params is the matching
// payload struct.
const (
	// outbound
	MethodGetUserStatus       = "get-user-status"
	MethodGetBulkUserStatuses = "get-bulk-user-statuses"
	MethodSetReadyToTalk      = "set-ready-to-talk"
	MethodFindRandomPartner   = "find-random-partner"
	MethodCancelPartnerSearch = "cancel-partner-search"
	MethodUserActivity        = "user-activity"
	MethodTypingStarted       = "typing-started"
	MethodTypingStopped       = "typing-stopped"

	// bidirectional negotiation relay
	MethodOffer        = "webrtc-offer"
	MethodAnswer       = "webrtc-answer"
	MethodICECandidate = "webrtc-ice-candidate"

	// inbound
	MethodUserStatus       = "user-status"
	MethodBulkUserStatuses = "bulk-user-statuses"
	MethodUserTyping       = "user-typing"
	MethodUserTypingStop   = "user-typing-stopped"
	MethodUserCallStarted  = "user-call-started"
	MethodUserCallEnded    = "user-call-ended"
	MethodPartnerFound     = "partner-found"
	MethodCallInvitation   = "call-invitation"
)

type GetUserStatus struct {
	UserID string `json:"userId"`
}

type GetBulkUserStatuses struct {
	UserIDs []string `json:"userIds"`
}

type UserStatus struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type BulkUserStatuses struct {
	Statuses []UserStatus `json:"statuses"`
}

type ReadyToTalk struct {
	Ready bool `json:"ready"`
}

type FindRandomPartner struct {
	Preferences map[string]string `json:"preferences,omitempty"`
}

type PartnerFound struct {
	PartnerID   string `json:"partnerId"`
	PartnerName string `json:"partnerName"`
}

type Typing struct {
	UserID string `json:"userId"`
	ChatID string `json:"chatId,omitempty"`
}

type CallMarker struct {
	UserID    string     `json:"userId"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
}

// Offer carries an SDP offer or answer relayed through the server.
// CallerID is filled by the server on inbound frames; TargetUserID is set
// by the sender on outbound frames. Restart marks a renegotiation of an
// already-established call (ICE restart) rather than a new one.
type Offer struct {
	TargetUserID string                     `json:"targetUserId,omitempty"`
	CallerID     string                     `json:"callerId,omitempty"`
	CallerName   string                     `json:"callerName,omitempty"`
	Video        bool                       `json:"video"`
	Restart      bool                       `json:"restart,omitempty"`
	SDP          *webrtc.SessionDescription `json:"sdp"`
}

type Candidate struct {
	TargetUserID string                   `json:"targetUserId,omitempty"`
	CallerID     string                   `json:"callerId,omitempty"`
	Candidate    *webrtc.ICECandidateInit `json:"candidate"`
}

type Invitation struct {
	InviteID   string    `json:"inviteId"`
	CallerID   string    `json:"callerId"`
	CallerName string    `json:"callerName"`
	Video      bool      `json:"video"`
	ExpiresAt  time.Time `json:"expiresAt"`
}
