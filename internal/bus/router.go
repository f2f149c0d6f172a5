// Package bus is the process-local publish/subscribe registry every
// feature module uses to exchange typed messages. It routes and never
// interprets: one topic lookup, one fan-out, no business logic.
package bus

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keast/huddle/internal/core"
	"github.com/keast/huddle/internal/domain"
)

// Router maps topics to emitter and subscriber sets. It is
// constructor-injected, never ambient: several independent routers can
// coexist in one process.
type Router struct {
	logger  zerolog.Logger
	verbose bool

	mu    sync.Mutex
	emits map[domain.Topic][]string
	subs  map[domain.Topic][]core.Endpoint
}

type Option func(*Router)

// WithVerbose makes the router log emission-declaration violations.
// Diagnostic only, nothing is rejected.
func WithVerbose() Option {
	return func(r *Router) { r.verbose = true }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

func New(opts ...Option) *Router {
	r := &Router{
		logger: log.With().Str("module", "bus").Logger(),
		emits:  make(map[domain.Topic][]string),
		subs:   make(map[domain.Topic][]core.Endpoint),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register declares the topics an endpoint emits and subscribes to.
// Re-registering a subscription updates the entry in place;
// a duplicate emission is kept once and logged.
func (r *Router) Register(ep core.Endpoint, emits, subs []domain.Topic) {
	id := ep.Identity()
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, topic := range emits {
		if hasIdentity(r.emits[topic], id) {
			r.logger.Warn().Str("endpoint", id).Str("topic", string(topic)).Msg("duplicate emission registration")
			continue
		}
		r.emits[topic] = append(r.emits[topic], id)
	}
	for _, topic := range subs {
		if i := subIndex(r.subs[topic], id); i >= 0 {
			r.subs[topic][i] = ep
			continue
		}
		r.subs[topic] = append(r.subs[topic], ep)
	}
}

// Deregister removes entries. Removing an unregistered topic is a
// no-op with a diagnostic log, not a failure.
func (r *Router) Deregister(ep core.Endpoint, emits, subs []domain.Topic) {
	id := ep.Identity()
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, topic := range emits {
		if !hasIdentity(r.emits[topic], id) {
			r.logger.Debug().Str("endpoint", id).Str("topic", string(topic)).Msg("deregister of unknown emission")
			continue
		}
		r.emits[topic] = removeIdentity(r.emits[topic], id)
	}
	for _, topic := range subs {
		i := subIndex(r.subs[topic], id)
		if i < 0 {
			r.logger.Debug().Str("endpoint", id).Str("topic", string(topic)).Msg("deregister of unknown subscription")
			continue
		}
		r.subs[topic] = append(r.subs[topic][:i], r.subs[topic][i+1:]...)
	}
}

// Publish fans every topic entry of msg out to its subscribers, in
// subscriber-registration order, synchronously. The id is cloned onto
// each derived single-topic message. Delivery is re-entrant: handlers
// may publish or mutate registrations before Publish returns, so the
// subscriber set is snapshotted before iterating. The sender itself is
// skipped to keep transport adapters from echoing their own traffic.
func (r *Router) Publish(sender core.Endpoint, msg domain.Message) {
	senderID := ""
	if sender != nil {
		senderID = sender.Identity()
	}

	for _, entry := range msg.Entries {
		r.mu.Lock()
		if r.verbose && senderID != "" && !hasIdentity(r.emits[entry.Topic], senderID) {
			r.logger.Warn().Str("endpoint", senderID).Str("topic", string(entry.Topic)).Msg("publish of undeclared topic")
		}
		targets := append([]core.Endpoint(nil), r.subs[entry.Topic]...)
		r.mu.Unlock()

		if len(targets) == 0 {
			r.logger.Debug().Str("topic", string(entry.Topic)).Msg("no subscribers, dropped")
			continue
		}
		derived := domain.Message{ID: msg.ID, Entries: []domain.Entry{entry}}
		for _, ep := range targets {
			if ep.Identity() == senderID {
				continue
			}
			if err := ep.Deliver(derived); err != nil {
				r.logger.Error().Err(err).
					Str("endpoint", ep.Identity()).
					Str("topic", string(entry.Topic)).
					Msg("delivery failed")
			}
		}
	}
}

// TopicsExcept reports every emitted and subscribed topic registered by
// endpoints other than the named one. The transport adapter answers
// the capability handshake with this.
func (r *Router) TopicsExcept(identity string) (emitted, subscribed []domain.Topic) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for topic, ids := range r.emits {
		for _, id := range ids {
			if id != identity {
				emitted = append(emitted, topic)
				break
			}
		}
	}
	for topic, eps := range r.subs {
		for _, ep := range eps {
			if ep.Identity() != identity {
				subscribed = append(subscribed, topic)
				break
			}
		}
	}
	return emitted, subscribed
}

func hasIdentity(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func removeIdentity(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func subIndex(eps []core.Endpoint, id string) int {
	for i, ep := range eps {
		if ep.Identity() == id {
			return i
		}
	}
	return -1
}
