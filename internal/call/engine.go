// Package call implements the one-to-one call engine: a state machine
// driven by user actions and bus messages. It holds no transport
// knowledge; signaling goes through the injected router and media
// through the injected provider.
package call

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
	StateCalling
	StateReceiving
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalling:
		return "calling"
	case StateReceiving:
		return "receiving"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

var (
	ErrBusy    = errors.New("call already in progress")
	ErrNoCall  = errors.New("no call in this state")
	ErrAborted = errors.New("call torn down while in progress")
)

var engineTopics = []domain.Topic{
	domain.TopicCallInvite,
	domain.TopicCallAnswer,
	domain.TopicCallReject,
	domain.TopicHangUp,
	domain.TopicIceCandidate,
}

// Engine is the direct call state machine for one local user.
//
// Mutations happen under one mutex; outgoing messages and callbacks
// are flushed after it is released, so synchronous bus delivery may
// re-enter a counterpart engine on the same router without deadlock.
type Engine struct {
	self   *domain.User
	bus    *bus.Router
	media  core.MediaProvider
	logger zerolog.Logger

	mu         sync.Mutex
	state      State
	epoch      uint64
	remoteID   domain.UserID
	remoteUser *domain.User
	sess       core.MediaSession
	local      *core.LocalMedia

	pendingOffer *webrtc.SessionDescription
	// remoteSet guards candidate application order: candidates arriving
	// before the remote description are queued and applied FIFO after it.
	remoteSet bool
	iceQueue  []webrtc.ICECandidateInit
	// confirmed means the counterpart acknowledged the session; local
	// candidates gathered earlier are buffered until then.
	confirmed bool
	localBuf  []webrtc.ICECandidateInit

	onState      func(State)
	onIncoming   func(*domain.User)
	lastNotified State
}

func New(self *domain.User, b *bus.Router, media core.MediaProvider) *Engine {
	e := &Engine{
		self:   self,
		bus:    b,
		media:  media,
		logger: log.With().Str("module", "call").Str("user", string(self.ID)).Logger(),
		state:  StateIdle,
	}
	b.Register(e, engineTopics, engineTopics)
	return e
}

func (e *Engine) Identity() string { return "call:" + string(e.self.ID) }

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Remote() (domain.UserID, *domain.User) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteID, e.remoteUser
}

// OnStateChange installs a state observer, invoked outside the engine
// lock.
func (e *Engine) OnStateChange(fn func(State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onState = fn
}

// OnIncoming installs an observer for incoming invites.
func (e *Engine) OnIncoming(fn func(*domain.User)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onIncoming = fn
}

// Start rings a remote user: acquire local media, create a session,
// send the offer. Media failure aborts with no state change.
func (e *Engine) Start(ctx context.Context, remoteID domain.UserID, kinds ...core.TrackKind) error {
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
	offer, err := e.openSessionLocked(ctx, tracks, epoch)
	if err != nil {
		e.resetLocked()
		e.mu.Unlock()
		return err
	}
	e.remoteID = remoteID
	e.state = StateCalling
	post := e.flushLocked(domain.Msg(domain.TopicCallInvite, domain.CallInvite{
		Offer: *offer,
		To:    remoteID,
		From:  e.self.ID,
		User:  e.self,
	}).WithID(domain.To(string(remoteID))))
	e.mu.Unlock()
	post()
	return nil
}

// Answer accepts the pending invite: acquire media, apply the stored
// offer, drain the candidate queue, send the answer.
func (e *Engine) Answer(ctx context.Context, kinds ...core.TrackKind) error {
	if len(kinds) == 0 {
		kinds = []core.TrackKind{core.TrackAudio}
	}
	e.mu.Lock()
	if e.state != StateReceiving || e.pendingOffer == nil {
		e.mu.Unlock()
		return ErrNoCall
	}
	epoch := e.epoch
	e.mu.Unlock()

	tracks, err := e.media.AcquireTracks(ctx, kinds...)
	if err != nil {
		return fmt.Errorf("media acquisition: %w", err)
	}

	e.mu.Lock()
	if e.state != StateReceiving || e.epoch != epoch {
		e.mu.Unlock()
		stopAll(tracks)
		return ErrAborted
	}
	sess, err := e.media.NewSession(ctx)
	if err != nil {
		e.mu.Unlock()
		stopAll(tracks)
		return err
	}
	e.sess = sess
	e.local = core.NewLocalMedia(tracks...)
	e.confirmed = true
	sess.OnICECandidate(e.localCandidateSink(epoch))

	if err = sess.SetRemoteDescription(*e.pendingOffer); err != nil {
		e.resetLocked()
		e.mu.Unlock()
		return fmt.Errorf("apply offer: %w", err)
	}
	e.remoteSet = true
	e.drainIceQueueLocked()
	for _, t := range tracks {
		if err = sess.AddTrack(t); err != nil {
			e.resetLocked()
			e.mu.Unlock()
			return err
		}
	}
	answer, err := sess.CreateAnswer(ctx)
	if err != nil {
		e.resetLocked()
		e.mu.Unlock()
		return err
	}
	e.state = StateConnected
	e.pendingOffer = nil
	post := e.flushLocked(domain.Msg(domain.TopicCallAnswer, domain.CallAnswer{
		Answer: answer,
		To:     e.remoteID,
		From:   e.self.ID,
	}).WithID(domain.To(string(e.remoteID))))
	e.mu.Unlock()
	post()
	return nil
}

// Reject declines the pending invite. No session was created, so there
// is nothing to close.
func (e *Engine) Reject() error {
	e.mu.Lock()
	if e.state != StateReceiving {
		e.mu.Unlock()
		return ErrNoCall
	}
	remote := e.remoteID
	e.resetLocked()
	post := e.flushLocked(domain.Msg(domain.TopicCallReject, domain.CallReject{
		To:   remote,
		From: e.self.ID,
	}).WithID(domain.To(string(remote))))
	e.mu.Unlock()
	post()
	return nil
}

// End hangs up. Idempotent: ending an idle engine is a no-op.
func (e *Engine) End() error {
	e.mu.Lock()
	if e.state == StateIdle {
		e.mu.Unlock()
		return nil
	}
	remote := e.remoteID
	e.resetLocked()
	post := e.flushLocked(domain.Msg(domain.TopicHangUp, domain.HangUp{
		To:   remote,
		From: e.self.ID,
	}).WithID(domain.To(string(remote))))
	e.mu.Unlock()
	post()
	return nil
}

// AddTrack adds a new local track mid-call and renegotiates: a fresh
// offer goes out as a call-invite reusing the same target.
func (e *Engine) AddTrack(ctx context.Context, kind core.TrackKind) error {
	e.mu.Lock()
	if e.state != StateConnected {
		e.mu.Unlock()
		return ErrNoCall
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
		// Slot was occupied; retire the previous track quietly.
		_ = e.sess.RemoveTrack(old)
		old.Stop()
	}
	if err = e.sess.AddTrack(track); err != nil {
		e.mu.Unlock()
		return err
	}
	post, err := e.renegotiateLocked(ctx)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	post()
	return nil
}

// RemoveTrack drops a local track slot and renegotiates.
func (e *Engine) RemoveTrack(ctx context.Context, kind core.TrackKind) error {
	e.mu.Lock()
	if e.state != StateConnected {
		e.mu.Unlock()
		return ErrNoCall
	}
	track, ok := e.local.Remove(kind)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("no %s track to remove", kind)
	}
	if err := e.sess.RemoveTrack(track); err != nil {
		e.logger.Error().Err(err).Str("kind", string(kind)).Msg("remove track")
	}
	track.Stop()
	post, err := e.renegotiateLocked(ctx)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	post()
	return nil
}

// ReplaceTrack swaps a slot's track in place, fanning the replacement
// to the session sender. No renegotiation happens.
func (e *Engine) ReplaceTrack(ctx context.Context, kind core.TrackKind) error {
	e.mu.Lock()
	if e.state != StateConnected {
		e.mu.Unlock()
		return ErrNoCall
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
	if err = e.sess.ReplaceTrack(kind, track); err != nil {
		stopAll(tracks)
		return err
	}
	if old, had := e.local.Put(track); had {
		old.Stop()
	}
	return nil
}

// SetTrackEnabled toggles transmission of a slot without touching the
// session topology.
func (e *Engine) SetTrackEnabled(kind core.TrackKind, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.local == nil {
		return ErrNoCall
	}
	track, ok := e.local.Track(kind)
	if !ok {
		return fmt.Errorf("no %s track", kind)
	}
	track.SetEnabled(enabled)
	return nil
}

// Deliver implements core.Endpoint and dispatches bus messages.
// Failures never propagate: they are absorbed into logs and state.
func (e *Engine) Deliver(msg domain.Message) error {
	for _, entry := range msg.Entries {
		switch entry.Topic {
		case domain.TopicCallInvite:
			if p, ok := decode[domain.CallInvite](e, entry.Payload); ok && e.addressed(p.To) {
				e.handleInvite(p)
			}
		case domain.TopicCallAnswer:
			if p, ok := decode[domain.CallAnswer](e, entry.Payload); ok && e.addressed(p.To) {
				e.handleAnswer(p)
			}
		case domain.TopicCallReject:
			if p, ok := decode[domain.CallReject](e, entry.Payload); ok && e.addressed(p.To) {
				e.handleReject(p)
			}
		case domain.TopicHangUp:
			if p, ok := decode[domain.HangUp](e, entry.Payload); ok && e.addressed(p.To) {
				e.handleHangUp(p)
			}
		case domain.TopicIceCandidate:
			if p, ok := decode[domain.IceCandidate](e, entry.Payload); ok && e.addressed(p.To) {
				e.handleCandidate(p)
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

// addressed reports whether a payload targets this user. Untargeted
// payloads pass, the engine may still ignore them by state.
func (e *Engine) addressed(to domain.UserID) bool {
	return to == "" || to == e.self.ID
}

func (e *Engine) handleInvite(inv domain.CallInvite) {
	e.mu.Lock()
	switch {
	case e.state == StateIdle:
		offer := inv.Offer
		e.pendingOffer = &offer
		e.remoteID = inv.From
		e.remoteUser = inv.User
		e.state = StateReceiving
		post := e.flushLocked()
		e.mu.Unlock()
		post()

	case e.state == StateConnected && inv.From == e.remoteID:
		// Renegotiation: a track changed on the far side. Answer without
		// touching call state.
		if err := e.sess.SetRemoteDescription(inv.Offer); err != nil {
			e.logger.Error().Err(err).Msg("renegotiation offer rejected")
			e.mu.Unlock()
			return
		}
		answer, err := e.sess.CreateAnswer(context.Background())
		if err != nil {
			e.logger.Error().Err(err).Msg("renegotiation answer failed")
			e.mu.Unlock()
			return
		}
		post := e.flushLocked(domain.Msg(domain.TopicCallAnswer, domain.CallAnswer{
			Answer: answer,
			To:     e.remoteID,
			From:   e.self.ID,
		}).WithID(domain.To(string(e.remoteID))))
		e.mu.Unlock()
		post()

	default:
		// Busy. The original behavior is a silent ignore, not an
		// auto-busy rejection.
		e.logger.Warn().
			Str("from", string(inv.From)).
			Str("state", e.state.String()).
			Msg("invite ignored while busy")
		e.mu.Unlock()
	}
}

func (e *Engine) handleAnswer(ans domain.CallAnswer) {
	e.mu.Lock()
	switch {
	case e.state == StateCalling && ans.From == e.remoteID:
		if err := e.sess.SetRemoteDescription(ans.Answer); err != nil {
			// Local-recoverable: leave the session up, a retry may land.
			e.logger.Error().Err(err).Msg("apply answer failed")
			e.mu.Unlock()
			return
		}
		e.remoteSet = true
		e.confirmed = true
		e.drainIceQueueLocked()
		post := e.flushLocalBufLocked()
		e.state = StateConnected
		post = chain(post, e.flushLocked())
		e.mu.Unlock()
		post()

	case e.state == StateConnected && ans.From == e.remoteID:
		// Renegotiation answer.
		if err := e.sess.SetRemoteDescription(ans.Answer); err != nil {
			e.logger.Error().Err(err).Msg("apply renegotiation answer failed")
		}
		e.mu.Unlock()

	default:
		e.logger.Debug().Str("from", string(ans.From)).Msg("stray answer ignored")
		e.mu.Unlock()
	}
}

func (e *Engine) handleReject(p domain.CallReject) {
	e.mu.Lock()
	if e.state != StateCalling || p.From != e.remoteID {
		e.mu.Unlock()
		return
	}
	e.resetLocked()
	post := e.flushLocked()
	e.mu.Unlock()
	post()
}

func (e *Engine) handleHangUp(p domain.HangUp) {
	e.mu.Lock()
	if e.state == StateIdle || p.From != e.remoteID {
		e.mu.Unlock()
		return
	}
	e.resetLocked()
	post := e.flushLocked()
	e.mu.Unlock()
	post()
}

func (e *Engine) handleCandidate(p domain.IceCandidate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateIdle || p.From != e.remoteID {
		return
	}
	if !e.remoteSet {
		e.iceQueue = append(e.iceQueue, p.Candidate)
		return
	}
	if err := e.sess.AddICECandidate(p.Candidate); err != nil {
		e.logger.Error().Err(err).Msg("apply candidate failed")
	}
}

// openSessionLocked creates the media session for an outgoing call and
// produces the initial offer.
func (e *Engine) openSessionLocked(ctx context.Context, tracks []core.Track, epoch uint64) (*webrtc.SessionDescription, error) {
	sess, err := e.media.NewSession(ctx)
	if err != nil {
		stopAll(tracks)
		return nil, err
	}
	e.sess = sess
	e.local = core.NewLocalMedia(tracks...)
	sess.OnICECandidate(e.localCandidateSink(epoch))
	for _, t := range tracks {
		if err = sess.AddTrack(t); err != nil {
			return nil, err
		}
	}
	offer, err := sess.CreateOffer(ctx)
	if err != nil {
		return nil, err
	}
	return &offer, nil
}

// localCandidateSink routes locally gathered candidates: published
// once the counterpart is confirmed, buffered before that. The epoch
// check makes a late callback from a torn-down session a no-op.
func (e *Engine) localCandidateSink(epoch uint64) func(webrtc.ICECandidateInit) {
	return func(c webrtc.ICECandidateInit) {
		e.mu.Lock()
		if e.epoch != epoch {
			e.mu.Unlock()
			return
		}
		if !e.confirmed {
			e.localBuf = append(e.localBuf, c)
			e.mu.Unlock()
			return
		}
		remote := e.remoteID
		post := e.flushLocked(domain.Msg(domain.TopicIceCandidate, domain.IceCandidate{
			Candidate: c,
			To:        remote,
			From:      e.self.ID,
		}).WithID(domain.To(string(remote))))
		e.mu.Unlock()
		post()
	}
}

func (e *Engine) renegotiateLocked(ctx context.Context) (func(), error) {
	offer, err := e.sess.CreateOffer(ctx)
	if err != nil {
		return func() {}, err
	}
	return e.flushLocked(domain.Msg(domain.TopicCallInvite, domain.CallInvite{
		Offer: offer,
		To:    e.remoteID,
		From:  e.self.ID,
		User:  e.self,
	}).WithID(domain.To(string(e.remoteID)))), nil
}

// drainIceQueueLocked applies queued remote candidates strictly in
// arrival order, then clears the queue.
func (e *Engine) drainIceQueueLocked() {
	for _, c := range e.iceQueue {
		if err := e.sess.AddICECandidate(c); err != nil {
			e.logger.Error().Err(err).Msg("apply queued candidate failed")
		}
	}
	e.iceQueue = nil
}

func (e *Engine) flushLocalBufLocked() func() {
	msgs := make([]domain.Message, 0, len(e.localBuf))
	for _, c := range e.localBuf {
		msgs = append(msgs, domain.Msg(domain.TopicIceCandidate, domain.IceCandidate{
			Candidate: c,
			To:        e.remoteID,
			From:      e.self.ID,
		}).WithID(domain.To(string(e.remoteID))))
	}
	e.localBuf = nil
	return e.flushLocked(msgs...)
}

// resetLocked tears the call down to idle: close the session, stop
// local tracks once, clear every queue and buffer. Safe from any state.
func (e *Engine) resetLocked() {
	e.epoch++
	if e.sess != nil {
		e.sess.Close()
		e.sess = nil
	}
	if e.local != nil {
		e.local.StopAll()
		e.local = nil
	}
	e.pendingOffer = nil
	e.remoteSet = false
	e.confirmed = false
	e.iceQueue = nil
	e.localBuf = nil
	e.remoteID = ""
	e.remoteUser = nil
	e.state = StateIdle
}

// flushLocked snapshots outgoing messages and observer callbacks and
// returns a closure to run after the lock is released.
func (e *Engine) flushLocked(msgs ...domain.Message) func() {
	state := e.state
	changed := state != e.lastNotified
	e.lastNotified = state
	onState := e.onState
	onIncoming := e.onIncoming
	remoteUser := e.remoteUser
	return func() {
		for _, m := range msgs {
			e.bus.Publish(e, m)
		}
		if !changed {
			return
		}
		if onState != nil {
			onState(state)
		}
		if state == StateReceiving && onIncoming != nil {
			onIncoming(remoteUser)
		}
	}
}

func chain(fns ...func()) func() {
	return func() {
		for _, fn := range fns {
			fn()
		}
	}
}

func stopAll(tracks []core.Track) {
	for _, t := range tracks {
		t.Stop()
	}
}
