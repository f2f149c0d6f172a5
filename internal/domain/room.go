package domain

type RoomID string

// Room is the shared meta of a mesh call room. Per-participant session
// state lives in the mesh engine, not here.
type Room struct {
	ID      RoomID
	OwnerID UserID
	Active  bool
}

// JoinRequest is a host-visible pending ask to enter an active room.
// Resolved to accepted/rejected by the owner, dropped on room teardown.
type JoinRequest struct {
	RoomID RoomID
	UserID UserID
	User   *User
}
