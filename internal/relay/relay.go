// Package relay is the server-side signaling module: it forwards
// client messages to their targets without interpreting call state.
// The stamped wire origin overwrites any sender claim in the payload,
// so a client cannot speak for another.
package relay

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keast/huddle/internal/bus"
	"github.com/keast/huddle/internal/domain"
)

// targeted topics carry a "to" field and are forwarded to exactly that
// client. Everything else in relayTopics is fanned out to the room at
// large, meaning every connected client except the origin.
var targeted = map[domain.Topic]bool{
	domain.TopicCallInvite:   true,
	domain.TopicCallAnswer:   true,
	domain.TopicCallReject:   true,
	domain.TopicHangUp:       true,
	domain.TopicIceCandidate: true,
	domain.TopicGroupInvite:  true,
	domain.TopicGroupAnswer:  true,
	domain.TopicGroupIce:     true,
}

var relayTopics = []domain.Topic{
	domain.TopicCallInvite,
	domain.TopicCallAnswer,
	domain.TopicCallReject,
	domain.TopicHangUp,
	domain.TopicIceCandidate,
	domain.TopicCallRoom,
	domain.TopicJoinResponse,
	domain.TopicGroupInvite,
	domain.TopicGroupAnswer,
	domain.TopicGroupIce,
	domain.TopicParticipantLeft,
}

// Relay subscribes to every signaling topic on the server router. Its
// registration is also what the capability handshake reports to
// connecting clients.
type Relay struct {
	bus    *bus.Router
	logger zerolog.Logger

	mu     sync.Mutex
	roster map[string]bool
}

func New(b *bus.Router) *Relay {
	r := &Relay{
		bus:    b,
		logger: log.With().Str("module", "relay").Logger(),
		roster: make(map[string]bool),
	}
	b.Register(r, relayTopics, relayTopics)
	return r
}

func (r *Relay) Identity() string { return "relay" }

// AddClient announces a connected client id. Origins are also learned
// from traffic, but an explicit add lets a quiet client receive
// broadcasts from the start.
func (r *Relay) AddClient(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roster[id] = true
}

// RemoveClient forgets a disconnected client.
func (r *Relay) RemoveClient(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.roster, id)
}

// Deliver implements core.Endpoint. Each entry is forwarded as its own
// message: entries of one inbound frame may have different targets.
func (r *Relay) Deliver(msg domain.Message) error {
	origin := msg.ID.Origin()
	if origin == "" {
		r.logger.Debug().Msg("message without origin dropped")
		return nil
	}
	r.mu.Lock()
	r.roster[origin] = true
	r.mu.Unlock()

	for _, entry := range msg.Entries {
		r.forward(origin, entry)
	}
	return nil
}

func (r *Relay) forward(origin string, entry domain.Entry) {
	payload, err := domain.DecodePayload[map[string]any](entry.Payload)
	if err != nil {
		r.logger.Warn().Err(err).Str("topic", string(entry.Topic)).Str("origin", origin).Msg("unreadable payload dropped")
		return
	}

	if targeted[entry.Topic] {
		payload["from"] = origin
		to, _ := payload["to"].(string)
		if to == "" {
			r.logger.Warn().Str("topic", string(entry.Topic)).Str("origin", origin).Msg("targeted payload without target dropped")
			return
		}
		r.bus.Publish(r, domain.Msg(entry.Topic, payload).WithID(domain.To(to)))
		return
	}

	// Room-scope fan-out. The identity fields on these payloads name
	// the acting user, which is always the origin.
	switch entry.Topic {
	case domain.TopicCallRoom, domain.TopicParticipantLeft:
		payload["userId"] = origin
	}
	others := r.everyoneExcept(origin)
	if len(others) == 0 {
		return
	}
	r.bus.Publish(r, domain.Msg(entry.Topic, payload).WithID(others))
}

func (r *Relay) everyoneExcept(origin string) domain.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(domain.Address, 0, len(r.roster))
	for id := range r.roster {
		if id != origin {
			out = append(out, id)
		}
	}
	return out
}
