package domain

import "github.com/pion/webrtc/v4"

// Signaling payloads exchanged by the call engines. To/From carry user
// identifiers; the relay overwrites From with the stamped wire origin
// so clients cannot spoof it.

type CallInvite struct {
	Offer webrtc.SessionDescription `json:"offer"`
	To    UserID                    `json:"to"`
	From  UserID                    `json:"from,omitempty"`
	User  *User                     `json:"user,omitempty"`
}

type CallAnswer struct {
	Answer webrtc.SessionDescription `json:"answer"`
	To     UserID                    `json:"to"`
	From   UserID                    `json:"from,omitempty"`
}

type CallReject struct {
	To   UserID `json:"to"`
	From UserID `json:"from,omitempty"`
}

type HangUp struct {
	To   UserID `json:"to"`
	From UserID `json:"from,omitempty"`
}

type IceCandidate struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	To        UserID                  `json:"to"`
	From      UserID                  `json:"from,omitempty"`
}

// RoomNotice multiplexes three signals on the call-room topic:
// Active == nil is a join request, Active pointing at true announces a
// started room, Active pointing at false ends it.
type RoomNotice struct {
	TeamID RoomID `json:"teamId"`
	UserID UserID `json:"userId,omitempty"`
	User   *User  `json:"user,omitempty"`
	Active *bool  `json:"active,omitempty"`
}

func (n RoomNotice) IsJoinRequest() bool { return n.Active == nil }

type JoinResponse struct {
	TeamID      RoomID `json:"teamId"`
	RequesterID UserID `json:"requesterId"`
	Accepted    bool   `json:"accepted"`
	User        *User  `json:"user,omitempty"`
}

type GroupInvite struct {
	TeamID RoomID                    `json:"teamId"`
	Offer  webrtc.SessionDescription `json:"offer"`
	To     UserID                    `json:"to"`
	From   UserID                    `json:"from,omitempty"`
	User   *User                     `json:"user,omitempty"`
}

type GroupAnswer struct {
	TeamID RoomID                    `json:"teamId"`
	Answer webrtc.SessionDescription `json:"answer"`
	To     UserID                    `json:"to"`
	From   UserID                    `json:"from,omitempty"`
}

type GroupIce struct {
	TeamID    RoomID                  `json:"teamId"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	To        UserID                  `json:"to"`
	From      UserID                  `json:"from,omitempty"`
}

type ParticipantLeft struct {
	TeamID RoomID `json:"teamId"`
	UserID UserID `json:"userId"`
}
