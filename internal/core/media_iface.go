package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

type TrackKind string

const (
	TrackAudio  TrackKind = "audio"
	TrackVideo  TrackKind = "video"
	TrackScreen TrackKind = "screen"
)

// Track is one local media track slot occupant. Enable/disable toggles
// transmission without renegotiation; Stop releases the device.
type Track interface {
	ID() string
	Kind() TrackKind
	SetEnabled(bool)
	Enabled() bool
	Stop()
}

// MediaProvider is the injected media-negotiation capability. Engines
// never touch a concrete WebRTC stack directly.
type MediaProvider interface {
	// AcquireTracks opens local devices for the given kinds. Failure of
	// any kind fails the whole acquisition with nothing left open.
	AcquireTracks(ctx context.Context, kinds ...TrackKind) ([]Track, error)
	// NewSession creates an unconnected peer media session.
	NewSession(ctx context.Context) (MediaSession, error)
}

// MediaSession is one peer-connection-like session. Offer/answer and
// ICE payloads use the pion vocabulary.
type MediaSession interface {
	// CreateOffer creates and sets the local offer description.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// CreateAnswer creates and sets the local answer description.
	// The remote offer must have been applied first.
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate sets a callback for newly gathered local candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	AddTrack(Track) error
	RemoveTrack(Track) error
	// ReplaceTrack swaps the sender for a slot without renegotiation.
	ReplaceTrack(slot TrackKind, t Track) error
	Close()
	IsClosed() bool
}
