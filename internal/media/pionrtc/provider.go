// Package pionrtc implements the media provider on pion/webrtc. It
// does trickle ICE: descriptions go out immediately and candidates
// follow through the OnICECandidate callback as they are gathered.
package pionrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/keast/huddle/internal/core"
)

type Provider struct {
	cfg webrtc.Configuration
}

func DefaultConfig(stunServers []string) webrtc.Configuration {
	if len(stunServers) == 0 {
		stunServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	}
}

func New(cfg webrtc.Configuration) *Provider {
	return &Provider{cfg: cfg}
}

func (p *Provider) AcquireTracks(_ context.Context, kinds ...core.TrackKind) ([]core.Track, error) {
	out := make([]core.Track, 0, len(kinds))
	for _, kind := range kinds {
		var capability webrtc.RTPCodecCapability
		switch kind {
		case core.TrackAudio:
			capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
		case core.TrackVideo, core.TrackScreen:
			capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
		default:
			return nil, fmt.Errorf("unknown track kind %q", kind)
		}
		id := string(kind) + "-" + uuid.NewString()
		rtpTrack, err := webrtc.NewTrackLocalStaticRTP(capability, id, "huddle")
		if err != nil {
			return nil, fmt.Errorf("create %s track: %w", kind, err)
		}
		out = append(out, &localTrack{id: id, kind: kind, rtp: rtpTrack, enabled: true})
	}
	return out, nil
}

func (p *Provider) NewSession(context.Context) (core.MediaSession, error) {
	pc, err := webrtc.NewPeerConnection(p.cfg)
	if err != nil {
		return nil, err
	}
	s := &Session{pc: pc, senders: make(map[core.TrackKind]*webrtc.RTPSender)}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Info().Str("module", "pionrtc").Str("ice_state", state.String()).Msg("ICE state")
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info().Str("module", "pionrtc").Str("peer_connection_state", state.String()).Msg("Peer state")
	})
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		s.mu.Lock()
		fn := s.onICE
		s.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})
	return s, nil
}

type localTrack struct {
	id   string
	kind core.TrackKind
	rtp  *webrtc.TrackLocalStaticRTP

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (t *localTrack) ID() string           { return t.id }
func (t *localTrack) Kind() core.TrackKind { return t.kind }

func (t *localTrack) SetEnabled(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = v
}

func (t *localTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled && !t.stopped
}

func (t *localTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

// RTP exposes the underlying static track for a media producer.
func (t *localTrack) RTP() *webrtc.TrackLocalStaticRTP { return t.rtp }

type Session struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	senders map[core.TrackKind]*webrtc.RTPSender
	onICE   func(webrtc.ICECandidateInit)
	closed  bool
}

func (s *Session) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (s *Session) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (s *Session) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return s.pc.SetRemoteDescription(desc)
}

func (s *Session) AddICECandidate(c webrtc.ICECandidateInit) error {
	return s.pc.AddICECandidate(c)
}

func (s *Session) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onICE = fn
}

func (s *Session) AddTrack(t core.Track) error {
	lt, ok := t.(*localTrack)
	if !ok {
		return errors.New("track was not acquired from this provider")
	}
	sender, err := s.pc.AddTrack(lt.rtp)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.senders[t.Kind()] = sender
	s.mu.Unlock()
	return nil
}

func (s *Session) RemoveTrack(t core.Track) error {
	s.mu.Lock()
	sender, ok := s.senders[t.Kind()]
	delete(s.senders, t.Kind())
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no sender for %s track", t.Kind())
	}
	return s.pc.RemoveTrack(sender)
}

func (s *Session) ReplaceTrack(slot core.TrackKind, t core.Track) error {
	lt, ok := t.(*localTrack)
	if !ok {
		return errors.New("track was not acquired from this provider")
	}
	s.mu.Lock()
	sender, found := s.senders[slot]
	s.mu.Unlock()
	if !found {
		return fmt.Errorf("no sender for %s track", slot)
	}
	return sender.ReplaceTrack(lt.rtp)
}

func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	if err := s.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "pionrtc").Msg("close error")
	} else {
		log.Info().Str("module", "pionrtc").Msg("closed")
	}
}

func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
