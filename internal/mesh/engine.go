// Package mesh implements the N-party call engine: one room, one peer
// session per remote participant, admission gated by the room owner.
// Media flows peer to peer; the engine only orchestrates signaling.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keast/huddle/internal/bus"
	"github.com/keast/huddle/internal/core"
	"github.com/keast/huddle/internal/domain"
)

type State int

const (
	StateIdle State = iota
	StatePending
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

var (
	ErrBusy           = errors.New("already in a room")
	ErrNoRoom         = errors.New("not in a room")
	ErrNotOwner       = errors.New("not the room owner")
	ErrUnknownRequest = errors.New("no such pending join request")
	ErrAborted        = errors.New("room torn down while in progress")
)

var engineTopics = []domain.Topic{
	domain.TopicCallRoom,
	domain.TopicJoinResponse,
	domain.TopicGroupInvite,
	domain.TopicGroupAnswer,
	domain.TopicGroupIce,
	domain.TopicParticipantLeft,
}

// link is one peer session inside the mesh, keyed by the remote user.
// Candidate queueing and the local buffer work per link, exactly like
// the direct engine's single session.
type link struct {
	remote    domain.UserID
	sess      core.MediaSession
	remoteSet bool
	confirmed bool
	iceQueue  []webrtc.ICECandidateInit
	localBuf  []webrtc.ICECandidateInit
}

// Engine supervises the local participant's view of one mesh room.
//
// Same discipline as the direct engine: one mutex, an epoch counter so
// continuations resumed after an unlock can detect teardown, and every
// publish or observer callback deferred until the lock is released.
type Engine struct {
	self   *domain.User
	bus    *bus.Router
	media  core.MediaProvider
	logger zerolog.Logger

	mu      sync.Mutex
	state   State
	epoch   uint64
	room    domain.RoomID
	isOwner bool
	local   *core.LocalMedia
	links   map[domain.UserID]*link
	pending []domain.JoinRequest
	rooms   map[domain.RoomID]domain.Room

	onState      func(State)
	onJoin       func(domain.JoinRequest)
	onRoom       func(domain.Room)
	lastNotified State
	events       []func()
}

func New(self *domain.User, b *bus.Router, media core.MediaProvider) *Engine {
	e := &Engine{
		self:   self,
		bus:    b,
		media:  media,
		logger: log.With().Str("module", "mesh").Str("user", string(self.ID)).Logger(),
		links:  make(map[domain.UserID]*link),
		rooms:  make(map[domain.RoomID]domain.Room),
	}
	b.Register(e, engineTopics, engineTopics)
	return e
}

func (e *Engine) Identity() string { return "mesh:" + string(e.self.ID) }

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Room returns the bound room id and whether the local user owns it.
func (e *Engine) Room() (domain.RoomID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.room, e.isOwner
}

// Participants lists the remote users a live peer session exists for.
func (e *Engine) Participants() []domain.UserID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.UserID, 0, len(e.links))
	for id := range e.links {
		out = append(out, id)
	}
	return out
}

// Pending returns the host-visible join requests awaiting a decision.
func (e *Engine) Pending() []domain.JoinRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.JoinRequest(nil), e.pending...)
}

// Rooms lists rooms announced as active by their owners.
func (e *Engine) Rooms() []domain.Room {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Room, 0, len(e.rooms))
	for _, r := range e.rooms {
		out = append(out, r)
	}
	return out
}

func (e *Engine) OnStateChange(fn func(State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onState = fn
}

// OnJoinRequest installs the host-side observer for incoming join
// requests, invoked outside the engine lock.
func (e *Engine) OnJoinRequest(fn func(domain.JoinRequest)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onJoin = fn
}

// OnRoomChange observes room start and end notices from any owner.
func (e *Engine) OnRoomChange(fn func(domain.Room)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onRoom = fn
}

// StartRoom opens a room owned by the local user and announces it. No
// peer session exists yet; sessions are created as joiners are
// admitted.
func (e *Engine) StartRoom(ctx context.Context, room domain.RoomID, kinds ...core.TrackKind) error {
	if len(kinds) == 0 {
		kinds = []core.TrackKind{core.TrackAudio}
	}
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return ErrBusy
	}
	epoch := e.epoch
	e.mu.Unlock()

	tracks, err := e.media.AcquireTracks(ctx, kinds...)
	if err != nil {
		return fmt.Errorf("media acquisition: %w", err)
	}

	e.mu.Lock()
	if e.state != StateIdle || e.epoch != epoch {
		e.mu.Unlock()
		stopAll(tracks)
		return ErrAborted
	}
	e.local = core.NewLocalMedia(tracks...)
	e.room = room
	e.isOwner = true
	e.state = StateConnected
	e.rooms[room] = domain.Room{ID: room, OwnerID: e.self.ID, Active: true}
	active := true
	post := e.flushLocked(domain.Msg(domain.TopicCallRoom, domain.RoomNotice{
		TeamID: room,
		UserID: e.self.ID,
		User:   e.self,
		Active: &active,
	}))
	e.mu.Unlock()
	post()
	return nil
}

// RequestJoin asks the owner of an active room for admission. Local
// media is acquired up front (audio only) but no session exists until
// an existing participant sends an offer.
func (e *Engine) RequestJoin(ctx context.Context, room domain.RoomID) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return ErrBusy
	}
	epoch := e.epoch
	e.mu.Unlock()

	tracks, err := e.media.AcquireTracks(ctx, core.TrackAudio)
	if err != nil {
		return fmt.Errorf("media acquisition: %w", err)
	}

	e.mu.Lock()
	if e.state != StateIdle || e.epoch != epoch {
		e.mu.Unlock()
		stopAll(tracks)
		return ErrAborted
	}
	e.local = core.NewLocalMedia(tracks...)
	e.room = room
	e.isOwner = false
	e.state = StatePending
	post := e.flushLocked(domain.Msg(domain.TopicCallRoom, domain.RoomNotice{
		TeamID: room,
		UserID: e.self.ID,
		User:   e.self,
	}))
	e.mu.Unlock()
	post()
	return nil
}

// Accept admits a pending requester. The decision is broadcast;
// every existing participant reacts to it by offering the newcomer a
// session, the owner included. The newcomer itself only answers.
func (e *Engine) Accept(ctx context.Context, requester domain.UserID) error {
	return e.resolve(ctx, requester, true)
}

// RejectJoin declines a pending requester.
func (e *Engine) RejectJoin(requester domain.UserID) error {
	return e.resolve(context.Background(), requester, false)
}

func (e *Engine) resolve(ctx context.Context, requester domain.UserID, accepted bool) error {
	e.mu.Lock()
	if e.state != StateConnected || !e.isOwner {
		e.mu.Unlock()
		return ErrNotOwner
	}
	req, ok := e.takePendingLocked(requester)
	if !ok {
		e.mu.Unlock()
		return ErrUnknownRequest
	}
	msgs := []domain.Message{domain.Msg(domain.TopicJoinResponse, domain.JoinResponse{
		TeamID:      e.room,
		RequesterID: requester,
		Accepted:    accepted,
		User:        req.User,
	})}
	if accepted {
		// The owner is an existing participant too; its own offer goes
		// out here, the others react to the broadcast decision.
		offer, err := e.startLinkLocked(ctx, requester)
		if err != nil {
			e.mu.Unlock()
			return err
		}
		msgs = append(msgs, offer)
	}
	post := e.flushLocked(msgs...)
	e.mu.Unlock()
	post()
	return nil
}

// Leave exits the current room. An owner leaving ends the room for
// everyone; a plain participant only announces its own departure.
// Idempotent: leaving while idle is a no-op.
func (e *Engine) Leave() error {
	e.mu.Lock()
	if e.state == StateIdle {
		e.mu.Unlock()
		return nil
	}
	room, owner, wasPending := e.room, e.isOwner, e.state == StatePending
	e.teardownLocked()

	var msgs []domain.Message
	switch {
	case wasPending:
		// Withdrawn before admission; nothing was announced to peers
		// that needs an explicit goodbye.
	case owner:
		inactive := false
		msgs = append(msgs, domain.Msg(domain.TopicCallRoom, domain.RoomNotice{
			TeamID: room,
			UserID: e.self.ID,
			Active: &inactive,
		}))
	default:
		msgs = append(msgs, domain.Msg(domain.TopicParticipantLeft, domain.ParticipantLeft{
			TeamID: room,
			UserID: e.self.ID,
		}))
	}
	post := e.flushLocked(msgs...)
	e.mu.Unlock()
	post()
	return nil
}

// AddTrack adds a local track and renegotiates every peer session. The
// track is shared by reference across all of them.
func (e *Engine) AddTrack(ctx context.Context, kind core.TrackKind) error {
	e.mu.Lock()
	if e.state != StateConnected {
		e.mu.Unlock()
		return ErrNoRoom
	}
	epoch := e.epoch
	e.mu.Unlock()

	tracks, err := e.media.AcquireTracks(ctx, kind)
	if err != nil {
		return fmt.Errorf("media acquisition: %w", err)
	}

	e.mu.Lock()
	if e.state != StateConnected || e.epoch != epoch {
		e.mu.Unlock()
		stopAll(tracks)
		return ErrAborted
	}
	track := tracks[0]
	if old, had := e.local.Put(track); had {
		for _, l := range e.links {
			_ = l.sess.RemoveTrack(old)
		}
		old.Stop()
	}
	msgs, err := e.renegotiateAllLocked(ctx, func(l *link) error {
		return l.sess.AddTrack(track)
	})
	if err != nil {
		e.mu.Unlock()
		return err
	}
	post := e.flushLocked(msgs...)
	e.mu.Unlock()
	post()
	return nil
}

// RemoveTrack drops a local track from every peer session and
// renegotiates. The track is stopped once, after all sessions let go.
func (e *Engine) RemoveTrack(ctx context.Context, kind core.TrackKind) error {
	e.mu.Lock()
	if e.state != StateConnected {
		e.mu.Unlock()
		return ErrNoRoom
	}
	track, ok := e.local.Remove(kind)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("no %s track to remove", kind)
	}
	msgs, err := e.renegotiateAllLocked(ctx, func(l *link) error {
		return l.sess.RemoveTrack(track)
	})
	track.Stop()
	if err != nil {
		e.mu.Unlock()
		return err
	}
	post := e.flushLocked(msgs...)
	e.mu.Unlock()
	post()
	return nil
}

// ReplaceTrack swaps a slot's track on every peer session in place.
// No renegotiation is needed for a same-kind swap.
func (e *Engine) ReplaceTrack(ctx context.Context, kind core.TrackKind) error {
	e.mu.Lock()
	if e.state != StateConnected {
		e.mu.Unlock()
		return ErrNoRoom
	}
	epoch := e.epoch
	e.mu.Unlock()

	tracks, err := e.media.AcquireTracks(ctx, kind)
	if err != nil {
		return fmt.Errorf("media acquisition: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateConnected || e.epoch != epoch {
		stopAll(tracks)
		return ErrAborted
	}
	track := tracks[0]
	for _, l := range e.links {
		if err = l.sess.ReplaceTrack(kind, track); err != nil {
			stopAll(tracks)
			return err
		}
	}
	if old, had := e.local.Put(track); had {
		old.Stop()
	}
	return nil
}

// SetTrackEnabled toggles transmission of a slot on all sessions at
// once, tracks being shared by reference.
func (e *Engine) SetTrackEnabled(kind core.TrackKind, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.local == nil {
		return ErrNoRoom
	}
	track, ok := e.local.Track(kind)
	if !ok {
		return fmt.Errorf("no %s track", kind)
	}
	track.SetEnabled(enabled)
	return nil
}

// Deliver implements core.Endpoint.
func (e *Engine) Deliver(msg domain.Message) error {
	for _, entry := range msg.Entries {
		switch entry.Topic {
		case domain.TopicCallRoom:
			if p, ok := decode[domain.RoomNotice](e, entry.Payload); ok {
				e.handleRoomNotice(p)
			}
		case domain.TopicJoinResponse:
			if p, ok := decode[domain.JoinResponse](e, entry.Payload); ok {
				e.handleJoinResponse(p)
			}
		case domain.TopicGroupInvite:
			if p, ok := decode[domain.GroupInvite](e, entry.Payload); ok && p.To == e.self.ID {
				e.handleGroupInvite(p)
			}
		case domain.TopicGroupAnswer:
			if p, ok := decode[domain.GroupAnswer](e, entry.Payload); ok && p.To == e.self.ID {
				e.handleGroupAnswer(p)
			}
		case domain.TopicGroupIce:
			if p, ok := decode[domain.GroupIce](e, entry.Payload); ok && p.To == e.self.ID {
				e.handleGroupIce(p)
			}
		case domain.TopicParticipantLeft:
			if p, ok := decode[domain.ParticipantLeft](e, entry.Payload); ok {
				e.handleParticipantLeft(p)
			}
		}
	}
	return nil
}

func decode[T any](e *Engine, raw any) (T, bool) {
	p, err := domain.DecodePayload[T](raw)
	if err != nil {
		e.logger.Warn().Err(err).Msg("bad payload dropped")
		return p, false
	}
	return p, true
}

func (e *Engine) handleRoomNotice(n domain.RoomNotice) {
	switch {
	case n.IsJoinRequest():
		e.handleJoinRequest(n)
	case *n.Active:
		e.mu.Lock()
		room := domain.Room{ID: n.TeamID, OwnerID: n.UserID, Active: true}
		e.rooms[n.TeamID] = room
		e.queueRoomEventLocked(room)
		post := e.flushLocked()
		e.mu.Unlock()
		post()
	default:
		e.handleRoomEnded(n)
	}
}

func (e *Engine) handleJoinRequest(n domain.RoomNotice) {
	e.mu.Lock()
	if e.state != StateConnected || !e.isOwner || n.TeamID != e.room {
		e.mu.Unlock()
		return
	}
	for _, p := range e.pending {
		if p.UserID == n.UserID {
			e.mu.Unlock()
			return
		}
	}
	req := domain.JoinRequest{RoomID: n.TeamID, UserID: n.UserID, User: n.User}
	e.pending = append(e.pending, req)
	if fn := e.onJoin; fn != nil {
		e.events = append(e.events, func() { fn(req) })
	}
	post := e.flushLocked()
	e.mu.Unlock()
	post()
}

// handleRoomEnded is the owner-leave cascade: every participant tears
// its own session set down independently, no acknowledgment involved.
func (e *Engine) handleRoomEnded(n domain.RoomNotice) {
	e.mu.Lock()
	room := domain.Room{ID: n.TeamID, OwnerID: n.UserID, Active: false}
	delete(e.rooms, n.TeamID)
	e.queueRoomEventLocked(room)
	if e.state != StateIdle && n.TeamID == e.room {
		e.teardownLocked()
	}
	post := e.flushLocked()
	e.mu.Unlock()
	post()
}

func (e *Engine) handleJoinResponse(resp domain.JoinResponse) {
	e.mu.Lock()
	switch {
	case resp.RequesterID == e.self.ID && e.state == StatePending && resp.TeamID == e.room:
		if resp.Accepted {
			// Admitted. Existing participants will offer; this side only
			// answers, so no session is created here.
			e.state = StateConnected
		} else {
			e.teardownLocked()
		}
		post := e.flushLocked()
		e.mu.Unlock()
		post()

	case resp.Accepted && e.state == StateConnected && resp.TeamID == e.room && resp.RequesterID != e.self.ID:
		// An existing participant offers the newcomer a session.
		offer, err := e.startLinkLocked(context.Background(), resp.RequesterID)
		if err != nil {
			e.logger.Error().Err(err).Str("peer", string(resp.RequesterID)).Msg("offer to admitted peer failed")
			e.mu.Unlock()
			return
		}
		post := e.flushLocked(offer)
		e.mu.Unlock()
		post()

	default:
		e.mu.Unlock()
	}
}

func (e *Engine) handleGroupInvite(inv domain.GroupInvite) {
	e.mu.Lock()
	switch {
	case e.state == StateConnected && inv.TeamID == e.room && e.links[inv.From] != nil && e.links[inv.From].remoteSet:
		// Renegotiation on an established peer session.
		l := e.links[inv.From]
		if err := l.sess.SetRemoteDescription(inv.Offer); err != nil {
			e.logger.Error().Err(err).Str("peer", string(inv.From)).Msg("renegotiation offer rejected")
			e.mu.Unlock()
			return
		}
		answer, err := l.sess.CreateAnswer(context.Background())
		if err != nil {
			e.logger.Error().Err(err).Str("peer", string(inv.From)).Msg("renegotiation answer failed")
			e.mu.Unlock()
			return
		}
		post := e.flushLocked(domain.Msg(domain.TopicGroupAnswer, domain.GroupAnswer{
			TeamID: e.room,
			Answer: answer,
			To:     inv.From,
			From:   e.self.ID,
		}).WithID(domain.To(string(inv.From))))
		e.mu.Unlock()
		post()

	case (e.state == StateConnected || e.state == StatePending) && inv.TeamID == e.room:
		// First offer from an existing participant. Receiving it while
		// still pending means the offer outran the admission decision on
		// this side; admission is implied.
		answer, err := e.answerLinkLocked(context.Background(), inv)
		if err != nil {
			e.logger.Error().Err(err).Str("peer", string(inv.From)).Msg("answer to peer offer failed")
			e.mu.Unlock()
			return
		}
		e.state = StateConnected
		post := e.flushLocked(answer)
		e.mu.Unlock()
		post()

	default:
		e.logger.Debug().Str("peer", string(inv.From)).Str("room", string(inv.TeamID)).Msg("stray group invite ignored")
		e.mu.Unlock()
	}
}

func (e *Engine) handleGroupAnswer(ans domain.GroupAnswer) {
	e.mu.Lock()
	l := e.links[ans.From]
	if e.state != StateConnected || ans.TeamID != e.room || l == nil {
		e.logger.Debug().Str("peer", string(ans.From)).Msg("stray group answer ignored")
		e.mu.Unlock()
		return
	}
	if err := l.sess.SetRemoteDescription(ans.Answer); err != nil {
		e.logger.Error().Err(err).Str("peer", string(ans.From)).Msg("apply answer failed")
		e.mu.Unlock()
		return
	}
	if l.remoteSet {
		// Renegotiation answer, nothing more to flush.
		e.mu.Unlock()
		return
	}
	l.remoteSet = true
	l.confirmed = true
	e.drainIceQueueLocked(l)
	post := e.flushLinkBufLocked(l)
	e.mu.Unlock()
	post()
}

func (e *Engine) handleGroupIce(p domain.GroupIce) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l := e.links[p.From]
	if e.state != StateConnected || p.TeamID != e.room || l == nil {
		return
	}
	if !l.remoteSet {
		l.iceQueue = append(l.iceQueue, p.Candidate)
		return
	}
	if err := l.sess.AddICECandidate(p.Candidate); err != nil {
		e.logger.Error().Err(err).Str("peer", string(p.From)).Msg("apply candidate failed")
	}
}

// handleParticipantLeft closes exactly the leaver's session; every
// other peer session is untouched.
func (e *Engine) handleParticipantLeft(p domain.ParticipantLeft) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateIdle || p.TeamID != e.room {
		return
	}
	if l, ok := e.links[p.UserID]; ok {
		l.sess.Close()
		delete(e.links, p.UserID)
		e.logger.Debug().Str("peer", string(p.UserID)).Msg("peer session closed")
	}
}

// startLinkLocked opens the initiator side of a peer session and
// produces the offer message. An existing session to the same peer is
// closed first, which covers reconnects after a lost leave notice.
func (e *Engine) startLinkLocked(ctx context.Context, remote domain.UserID) (domain.Message, error) {
	if stale, ok := e.links[remote]; ok {
		stale.sess.Close()
		delete(e.links, remote)
		e.logger.Warn().Str("peer", string(remote)).Msg("stale peer session replaced")
	}
	l, err := e.newLinkLocked(ctx, remote)
	if err != nil {
		return domain.Message{}, err
	}
	offer, err := l.sess.CreateOffer(ctx)
	if err != nil {
		l.sess.Close()
		delete(e.links, remote)
		return domain.Message{}, err
	}
	return domain.Msg(domain.TopicGroupInvite, domain.GroupInvite{
		TeamID: e.room,
		Offer:  offer,
		To:     remote,
		From:   e.self.ID,
		User:   e.self,
	}).WithID(domain.To(string(remote))), nil
}

// answerLinkLocked opens the answering side of a peer session from a
// received offer.
func (e *Engine) answerLinkLocked(ctx context.Context, inv domain.GroupInvite) (domain.Message, error) {
	if stale, ok := e.links[inv.From]; ok {
		stale.sess.Close()
		delete(e.links, inv.From)
	}
	l, err := e.newLinkLocked(ctx, inv.From)
	if err != nil {
		return domain.Message{}, err
	}
	if err = l.sess.SetRemoteDescription(inv.Offer); err != nil {
		l.sess.Close()
		delete(e.links, inv.From)
		return domain.Message{}, fmt.Errorf("apply offer: %w", err)
	}
	l.remoteSet = true
	l.confirmed = true
	e.drainIceQueueLocked(l)
	answer, err := l.sess.CreateAnswer(ctx)
	if err != nil {
		l.sess.Close()
		delete(e.links, inv.From)
		return domain.Message{}, err
	}
	return domain.Msg(domain.TopicGroupAnswer, domain.GroupAnswer{
		TeamID: e.room,
		Answer: answer,
		To:     inv.From,
		From:   e.self.ID,
	}).WithID(domain.To(string(inv.From))), nil
}

// newLinkLocked creates the session and wires the shared local track
// set into it.
func (e *Engine) newLinkLocked(ctx context.Context, remote domain.UserID) (*link, error) {
	sess, err := e.media.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	l := &link{remote: remote, sess: sess}
	for _, t := range e.local.Tracks() {
		if err = sess.AddTrack(t); err != nil {
			sess.Close()
			return nil, err
		}
	}
	sess.OnICECandidate(e.linkCandidateSink(l, e.epoch))
	e.links[remote] = l
	return l, nil
}

// linkCandidateSink routes candidates gathered for one peer session.
// The epoch and identity checks make callbacks from replaced or
// torn-down sessions no-ops.
func (e *Engine) linkCandidateSink(l *link, epoch uint64) func(webrtc.ICECandidateInit) {
	return func(c webrtc.ICECandidateInit) {
		e.mu.Lock()
		if e.epoch != epoch || e.links[l.remote] != l {
			e.mu.Unlock()
			return
		}
		if !l.confirmed {
			l.localBuf = append(l.localBuf, c)
			e.mu.Unlock()
			return
		}
		post := e.flushLocked(e.iceMessageLocked(l.remote, c))
		e.mu.Unlock()
		post()
	}
}

func (e *Engine) iceMessageLocked(remote domain.UserID, c webrtc.ICECandidateInit) domain.Message {
	return domain.Msg(domain.TopicGroupIce, domain.GroupIce{
		TeamID:    e.room,
		Candidate: c,
		To:        remote,
		From:      e.self.ID,
	}).WithID(domain.To(string(remote)))
}

// renegotiateAllLocked applies a per-session mutation and produces one
// fresh offer per peer. Sessions renegotiate independently.
func (e *Engine) renegotiateAllLocked(ctx context.Context, mutate func(*link) error) ([]domain.Message, error) {
	msgs := make([]domain.Message, 0, len(e.links))
	for _, l := range e.links {
		if err := mutate(l); err != nil {
			return nil, err
		}
		offer, err := l.sess.CreateOffer(ctx)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, domain.Msg(domain.TopicGroupInvite, domain.GroupInvite{
			TeamID: e.room,
			Offer:  offer,
			To:     l.remote,
			From:   e.self.ID,
			User:   e.self,
		}).WithID(domain.To(string(l.remote))))
	}
	return msgs, nil
}

func (e *Engine) drainIceQueueLocked(l *link) {
	for _, c := range l.iceQueue {
		if err := l.sess.AddICECandidate(c); err != nil {
			e.logger.Error().Err(err).Str("peer", string(l.remote)).Msg("apply queued candidate failed")
		}
	}
	l.iceQueue = nil
}

func (e *Engine) flushLinkBufLocked(l *link) func() {
	msgs := make([]domain.Message, 0, len(l.localBuf))
	for _, c := range l.localBuf {
		msgs = append(msgs, e.iceMessageLocked(l.remote, c))
	}
	l.localBuf = nil
	return e.flushLocked(msgs...)
}

func (e *Engine) takePendingLocked(requester domain.UserID) (domain.JoinRequest, bool) {
	for i, p := range e.pending {
		if p.UserID == requester {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return p, true
		}
	}
	return domain.JoinRequest{}, false
}

func (e *Engine) queueRoomEventLocked(room domain.Room) {
	if fn := e.onRoom; fn != nil {
		e.events = append(e.events, func() { fn(room) })
	}
}

// teardownLocked drops every peer session, releases local media once
// and returns to idle. Safe from any state.
func (e *Engine) teardownLocked() {
	e.epoch++
	for _, l := range e.links {
		l.sess.Close()
	}
	e.links = make(map[domain.UserID]*link)
	if e.local != nil {
		e.local.StopAll()
		e.local = nil
	}
	if e.isOwner {
		delete(e.rooms, e.room)
	}
	e.pending = nil
	e.room = ""
	e.isOwner = false
	e.state = StateIdle
}

// flushLocked snapshots outgoing messages, queued observer events and
// the state observer, returning a closure to run after unlock.
func (e *Engine) flushLocked(msgs ...domain.Message) func() {
	state := e.state
	changed := state != e.lastNotified
	e.lastNotified = state
	onState := e.onState
	events := e.events
	e.events = nil
	return func() {
		for _, m := range msgs {
			e.bus.Publish(e, m)
		}
		for _, fn := range events {
			fn()
		}
		if changed && onState != nil {
			onState(state)
		}
	}
}

func stopAll(tracks []core.Track) {
	for _, t := range tracks {
		t.Stop()
	}
}
