// Package wire adapts the message bus to a byte transport. An adapter
// serializes bus traffic for its connections and publishes parsed
// inbound payloads, stamped with their origin. It holds no call logic.
package wire

import (
	"sync"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keast/huddle/internal/bus"
	"github.com/keast/huddle/internal/core"
	"github.com/keast/huddle/internal/domain"
)

// topicList is the capability handshake answer: which topics this side
// will send and which it wants to receive. The sole schema-negotiation
// mechanism, there is no version field.
type topicList struct {
	Emits []domain.Topic `json:"emits"`
	Wants []domain.Topic `json:"wants"`
}

// Adapter bridges one or more logical connections onto a Router. Its
// registered topic set is determined by what the remote side answers
// in the handshake, not hardcoded here.
//
// A connection attached as gateway additionally receives traffic
// addressed to ids no local connection owns. A client attaches its
// single relay connection that way; the relay server attaches plain
// per-client connections.
type Adapter struct {
	id     string
	bus    *bus.Router
	logger zerolog.Logger

	mu       sync.Mutex
	conns    map[string]core.Conn
	gateways map[string]bool
	regEmits []domain.Topic
	regSubs  []domain.Topic
}

func New(id string, b *bus.Router) *Adapter {
	return &Adapter{
		id:       id,
		bus:      b,
		logger:   log.With().Str("module", "wire").Str("adapter", id).Logger(),
		conns:    make(map[string]core.Conn),
		gateways: make(map[string]bool),
	}
}

func (a *Adapter) Identity() string { return a.id }

// Attach takes ownership of a connection and opens the capability
// handshake on it.
func (a *Adapter) Attach(conn core.Conn) { a.attach(conn, false) }

// AttachGateway attaches a connection that also carries traffic for
// ids no attached connection owns.
func (a *Adapter) AttachGateway(conn core.Conn) { a.attach(conn, true) }

func (a *Adapter) attach(conn core.Conn, gateway bool) {
	a.mu.Lock()
	a.conns[conn.ID()] = conn
	a.gateways[conn.ID()] = gateway
	a.mu.Unlock()
	a.logger.Debug().Str("conn", conn.ID()).Bool("gateway", gateway).Msg("connection attached")

	a.sendFrame(conn, domain.Msg(domain.TopicTopicsRequest, struct{}{}))
}

// Detach drops and closes a connection. Topic registrations stay in
// place until Close, other connections may still need them.
func (a *Adapter) Detach(connID string) {
	a.mu.Lock()
	conn, ok := a.conns[connID]
	delete(a.conns, connID)
	delete(a.gateways, connID)
	a.mu.Unlock()
	if ok {
		conn.Close()
		a.logger.Debug().Str("conn", connID).Msg("connection detached")
	}
}

// Close detaches every connection and deregisters from the bus.
func (a *Adapter) Close() {
	a.mu.Lock()
	conns := make([]core.Conn, 0, len(a.conns))
	for _, c := range a.conns {
		conns = append(conns, c)
	}
	a.conns = make(map[string]core.Conn)
	a.gateways = make(map[string]bool)
	emits, subs := a.regEmits, a.regSubs
	a.regEmits, a.regSubs = nil, nil
	a.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	a.bus.Deregister(a, emits, subs)
}

// HandleInbound parses one wire payload from the named connection,
// stamps the origin and publishes it. Malformed payloads are logged
// and dropped, never fatal to the connection.
func (a *Adapter) HandleInbound(connID string, payload []byte) {
	var msg domain.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		a.logger.Warn().Err(err).Str("conn", connID).Msg("malformed inbound payload dropped")
		return
	}

	if _, ok := msg.Get(domain.TopicTopicsRequest); ok {
		a.answerHandshake(connID)
		return
	}
	if raw, ok := msg.Get(domain.TopicTopicsResponse); ok {
		a.completeHandshake(connID, raw)
		return
	}

	for i, e := range msg.Entries {
		if e.Topic == domain.WireTopicRelayIce {
			msg.Entries[i].Topic = domain.TopicGroupIce
		}
	}
	msg.ID = domain.To(connID)
	a.bus.Publish(a, msg)
}

// Deliver implements core.Endpoint: serialize and put on the wire.
// With an id present only the named connections get the payload,
// without one it goes to every open connection.
func (a *Adapter) Deliver(msg domain.Message) error {
	out := domain.Message{ID: msg.ID, Entries: make([]domain.Entry, len(msg.Entries))}
	copy(out.Entries, msg.Entries)
	for i, e := range out.Entries {
		if e.Topic == domain.TopicGroupIce {
			out.Entries[i].Topic = domain.WireTopicRelayIce
		}
	}

	payload, err := json.Marshal(out)
	if err != nil {
		a.logger.Error().Err(err).Msg("outbound marshal failed")
		return nil
	}

	for _, conn := range a.route(msg.ID) {
		if err := conn.Send(payload); err != nil {
			a.logger.Warn().Err(err).Str("conn", conn.ID()).Msg("send failed, dropped")
		}
	}
	return nil
}

// route picks the target connections for an address. Ids without an
// owned connection fall through to the gateway connections.
func (a *Adapter) route(addr domain.Address) []core.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()

	if addr.IsBroadcast() {
		out := make([]core.Conn, 0, len(a.conns))
		for _, c := range a.conns {
			out = append(out, c)
		}
		return out
	}

	var out []core.Conn
	seen := make(map[string]bool)
	unmatched := false
	for _, id := range addr {
		if c, ok := a.conns[id]; ok {
			out = append(out, c)
			seen[id] = true
		} else {
			unmatched = true
		}
	}
	if unmatched {
		for id, c := range a.conns {
			if a.gateways[id] && !seen[id] {
				out = append(out, c)
				seen[id] = true
			}
		}
	}
	if len(out) == 0 {
		a.logger.Debug().Strs("id", addr).Msg("no route for address")
	}
	return out
}

func (a *Adapter) answerHandshake(connID string) {
	a.mu.Lock()
	conn, ok := a.conns[connID]
	a.mu.Unlock()
	if !ok {
		return
	}
	emitted, subscribed := a.bus.TopicsExcept(a.id)
	a.sendFrame(conn, domain.Msg(domain.TopicTopicsResponse, topicList{
		Emits: emitted,
		Wants: subscribed,
	}))
}

// completeHandshake registers this adapter with the router using the
// remote's answer as its own emission/subscription lists.
func (a *Adapter) completeHandshake(connID string, raw any) {
	answer, err := domain.DecodePayload[topicList](raw)
	if err != nil {
		a.logger.Warn().Err(err).Str("conn", connID).Msg("malformed handshake answer dropped")
		return
	}

	a.bus.Register(a, answer.Emits, answer.Wants)
	a.mu.Lock()
	a.regEmits = mergeTopics(a.regEmits, answer.Emits)
	a.regSubs = mergeTopics(a.regSubs, answer.Wants)
	a.mu.Unlock()
	a.logger.Debug().
		Str("conn", connID).
		Int("emits", len(answer.Emits)).
		Int("wants", len(answer.Wants)).
		Msg("handshake complete")
}

func (a *Adapter) sendFrame(conn core.Conn, msg domain.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		a.logger.Error().Err(err).Msg("handshake marshal failed")
		return
	}
	if err := conn.Send(payload); err != nil {
		a.logger.Warn().Err(err).Str("conn", conn.ID()).Msg("handshake send failed")
	}
}

func mergeTopics(have, add []domain.Topic) []domain.Topic {
	known := make(map[domain.Topic]bool, len(have))
	for _, t := range have {
		known[t] = true
	}
	for _, t := range add {
		if !known[t] {
			have = append(have, t)
			known[t] = true
		}
	}
	return have
}
