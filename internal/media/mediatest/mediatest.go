// Package mediatest provides an in-memory media provider for engine
// tests: deterministic descriptions, recorded candidate order, stop
// and close counters.
package mediatest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/keast/huddle/internal/core"
)

var ErrAcquireDenied = errors.New("media device denied")

type Provider struct {
	mu          sync.Mutex
	FailAcquire bool
	FailSession bool
	tracks      []*Track
	sessions    []*Session
	trackSeq    int
	sessionSeq  int
}

func NewProvider() *Provider { return &Provider{} }

func (p *Provider) AcquireTracks(_ context.Context, kinds ...core.TrackKind) ([]core.Track, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailAcquire {
		return nil, ErrAcquireDenied
	}
	out := make([]core.Track, 0, len(kinds))
	for _, kind := range kinds {
		p.trackSeq++
		tr := &Track{id: fmt.Sprintf("track-%d", p.trackSeq), kind: kind, enabled: true}
		p.tracks = append(p.tracks, tr)
		out = append(out, tr)
	}
	return out, nil
}

func (p *Provider) NewSession(context.Context) (core.MediaSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailSession {
		return nil, errors.New("session unavailable")
	}
	p.sessionSeq++
	s := &Session{id: fmt.Sprintf("sess-%d", p.sessionSeq)}
	p.sessions = append(p.sessions, s)
	return s, nil
}

func (p *Provider) Tracks() []*Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Track(nil), p.tracks...)
}

func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// StoppedTracks counts tracks stopped at least once.
func (p *Provider) StoppedTracks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, tr := range p.tracks {
		if tr.StopCount() > 0 {
			n++
		}
	}
	return n
}

// OpenSessions counts sessions not yet closed.
func (p *Provider) OpenSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.sessions {
		if !s.IsClosed() {
			n++
		}
	}
	return n
}

type Track struct {
	mu      sync.Mutex
	id      string
	kind    core.TrackKind
	enabled bool
	stops   int
}

func (t *Track) ID() string           { return t.id }
func (t *Track) Kind() core.TrackKind { return t.kind }

func (t *Track) SetEnabled(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = v
}

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
}

func (t *Track) StopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

type Session struct {
	mu         sync.Mutex
	id         string
	closed     bool
	closeCount int
	offerSeq   int
	answerSeq  int

	FailRemote bool

	remote     []webrtc.SessionDescription
	applied    []webrtc.ICECandidateInit
	added      []core.Track
	removed    []core.Track
	replaced   map[core.TrackKind]core.Track
	onICE      func(webrtc.ICECandidateInit)
}

func (s *Session) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offerSeq++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("%s-offer-%d", s.id, s.offerSeq),
	}, nil
}

func (s *Session) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.remote) == 0 {
		return webrtc.SessionDescription{}, errors.New("no remote description")
	}
	s.answerSeq++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("%s-answer-%d", s.id, s.answerSeq),
	}, nil
}

func (s *Session) SetRemoteDescription(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailRemote {
		return errors.New("invalid remote description")
	}
	s.remote = append(s.remote, desc)
	return nil
}

func (s *Session) AddICECandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.remote) == 0 {
		return errors.New("candidate before remote description")
	}
	s.applied = append(s.applied, c)
	return nil
}

func (s *Session) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onICE = fn
}

// EmitCandidate drives the local-candidate callback from a test.
func (s *Session) EmitCandidate(c webrtc.ICECandidateInit) {
	s.mu.Lock()
	fn := s.onICE
	s.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (s *Session) AddTrack(t core.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, t)
	return nil
}

func (s *Session) RemoveTrack(t core.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, t)
	return nil
}

func (s *Session) ReplaceTrack(slot core.TrackKind, t core.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replaced == nil {
		s.replaced = make(map[core.TrackKind]core.Track)
	}
	s.replaced[slot] = t
	return nil
}

func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeCount++
}

func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Remote returns applied remote descriptions in order.
func (s *Session) Remote() []webrtc.SessionDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), s.remote...)
}

// Applied returns remote candidates in application order.
func (s *Session) Applied() []webrtc.ICECandidateInit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), s.applied...)
}

func (s *Session) Added() []core.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Track(nil), s.added...)
}

func (s *Session) Removed() []core.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Track(nil), s.removed...)
}

func (s *Session) Replaced(slot core.TrackKind) (core.Track, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.replaced[slot]
	return t, ok
}
