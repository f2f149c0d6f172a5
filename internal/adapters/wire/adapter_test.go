package wire

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keast/huddle/internal/bus"
	"github.com/keast/huddle/internal/domain"
)

type memConn struct {
	id     string
	outbox [][]byte
	closed bool
	fail   bool
}

func (c *memConn) ID() string { return c.id }

func (c *memConn) Send(payload []byte) error {
	if c.fail {
		return assert.AnError
	}
	c.outbox = append(c.outbox, append([]byte(nil), payload...))
	return nil
}

func (c *memConn) Close() { c.closed = true }

func (c *memConn) drain() [][]byte {
	out := c.outbox
	c.outbox = nil
	return out
}

type sink struct {
	id  string
	got []domain.Message
}

func (s *sink) Identity() string { return s.id }

func (s *sink) Deliver(m domain.Message) error {
	s.got = append(s.got, m)
	return nil
}

// pump shuttles queued payloads between two adapters until both sides
// go quiet, simulating a synchronous duplex link.
func pump(a *Adapter, aConn *memConn, b *Adapter, bConn *memConn) {
	for {
		aOut, bOut := aConn.drain(), bConn.drain()
		if len(aOut) == 0 && len(bOut) == 0 {
			return
		}
		for _, p := range aOut {
			b.HandleInbound(bConn.id, p)
		}
		for _, p := range bOut {
			a.HandleInbound(aConn.id, p)
		}
	}
}

func TestHandshakeRegistersRemoteTopicSet(t *testing.T) {
	busA, busB := bus.New(), bus.New()

	// A hosts an engine that emits call-invite and wants call-answer.
	engineA := &sink{id: "engine-a"}
	busA.Register(engineA, []domain.Topic{domain.TopicCallInvite}, []domain.Topic{domain.TopicCallAnswer})
	engineB := &sink{id: "engine-b"}
	busB.Register(engineB, []domain.Topic{domain.TopicCallAnswer}, []domain.Topic{domain.TopicCallInvite})

	adapterA := New("wire-a", busA)
	adapterB := New("wire-b", busB)
	connToB := &memConn{id: "B"}
	connToA := &memConn{id: "A"}
	adapterA.Attach(connToB)
	adapterB.Attach(connToA)
	pump(adapterA, connToB, adapterB, connToA)

	// A's engine publishes an invite; it crosses the link and lands on
	// B's engine, stamped with the origin connection id.
	busA.Publish(engineA, domain.Msg(domain.TopicCallInvite, map[string]string{"to": "bob"}))
	pump(adapterA, connToB, adapterB, connToA)

	require.Len(t, engineB.got, 1)
	assert.Equal(t, domain.TopicCallInvite, engineB.got[0].Entries[0].Topic)
	assert.Equal(t, "A", engineB.got[0].ID.Origin())
}

func TestDeliverAddressing(t *testing.T) {
	r := bus.New()
	a := New("wire", r)
	x := &memConn{id: "x"}
	y := &memConn{id: "y"}
	z := &memConn{id: "z"}
	a.Attach(x)
	a.Attach(y)
	a.Attach(z)
	x.drain() // discard handshake requests
	y.drain()
	z.drain()

	// Broadcast reaches every open connection.
	require.NoError(t, a.Deliver(domain.Msg("t", "v")))
	assert.Len(t, x.drain(), 1)
	assert.Len(t, y.drain(), 1)
	assert.Len(t, z.drain(), 1)

	// Scalar id reaches exactly one.
	require.NoError(t, a.Deliver(domain.Msg("t", "v").WithID(domain.To("x"))))
	assert.Len(t, x.drain(), 1)
	assert.Empty(t, y.drain())
	assert.Empty(t, z.drain())

	// Array id reaches exactly those, each once.
	require.NoError(t, a.Deliver(domain.Msg("t", "v").WithID(domain.To("x", "y"))))
	assert.Len(t, x.drain(), 1)
	assert.Len(t, y.drain(), 1)
	assert.Empty(t, z.drain())
}

func TestDeliverGatewayFallback(t *testing.T) {
	r := bus.New()
	a := New("wire", r)
	relay := &memConn{id: "relay"}
	direct := &memConn{id: "direct"}
	a.AttachGateway(relay)
	a.Attach(direct)
	relay.drain()
	direct.drain()

	// Unknown id falls through to the gateway connection only.
	require.NoError(t, a.Deliver(domain.Msg("t", "v").WithID(domain.To("somebody-else"))))
	assert.Len(t, relay.drain(), 1)
	assert.Empty(t, direct.drain())

	// An owned id does not involve the gateway.
	require.NoError(t, a.Deliver(domain.Msg("t", "v").WithID(domain.To("direct"))))
	assert.Empty(t, relay.drain())
	assert.Len(t, direct.drain(), 1)
}

func TestIceTopicRenamedOnWire(t *testing.T) {
	r := bus.New()
	a := New("wire", r)
	conn := &memConn{id: "peer"}
	a.Attach(conn)
	conn.drain()

	require.NoError(t, a.Deliver(domain.Msg(domain.TopicGroupIce, map[string]string{"teamId": "r"})))
	sent := conn.drain()
	require.Len(t, sent, 1)
	assert.Contains(t, string(sent[0]), `"relay-ice-candidate"`)
	assert.NotContains(t, string(sent[0]), `"group-ice-candidate"`)
}

func TestIceTopicRenamedBackOnReceipt(t *testing.T) {
	r := bus.New()
	mesh := &sink{id: "mesh"}
	r.Register(mesh, nil, []domain.Topic{domain.TopicGroupIce})

	a := New("wire", r)
	conn := &memConn{id: "peer"}
	a.Attach(conn)

	a.HandleInbound("peer", []byte(`{"relay-ice-candidate":{"teamId":"r"}}`))
	require.Len(t, mesh.got, 1)
	assert.Equal(t, domain.TopicGroupIce, mesh.got[0].Entries[0].Topic)
	assert.Equal(t, "peer", mesh.got[0].ID.Origin())
}

func TestMalformedInboundDropped(t *testing.T) {
	r := bus.New()
	a := New("wire", r)
	conn := &memConn{id: "peer"}
	a.Attach(conn)

	assert.NotPanics(t, func() {
		a.HandleInbound("peer", []byte("{not json"))
		a.HandleInbound("peer", []byte(`[1,2,3]`))
	})
}

func TestSendFailureDoesNotPropagate(t *testing.T) {
	r := bus.New()
	a := New("wire", r)
	conn := &memConn{id: "peer", fail: true}
	a.Attach(conn)

	assert.NoError(t, a.Deliver(domain.Msg("t", "v")))
}

func TestCloseDetachesAndDeregisters(t *testing.T) {
	r := bus.New()
	a := New("wire", r)
	conn := &memConn{id: "peer"}
	a.Attach(conn)
	a.HandleInbound("peer", []byte(`{"topics-response":{"emits":["call-invite"],"wants":["call-answer"]}}`))

	a.Close()
	assert.True(t, conn.closed)

	// Nothing routed to the adapter anymore.
	r.Publish(nil, domain.Msg(domain.TopicCallAnswer, "v"))
	assert.Empty(t, conn.drain())
}

func TestWireShapeLiteral(t *testing.T) {
	var msg domain.Message
	err := msg.UnmarshalJSON([]byte(`{"ice-candidate":{"candidate":{}},"id":"peer-42"}`))
	require.NoError(t, err)
	require.Len(t, msg.Entries, 1)
	assert.Equal(t, domain.TopicIceCandidate, msg.Entries[0].Topic)
	assert.Equal(t, domain.To("peer-42"), msg.ID)

	out, err := msg.MarshalJSON()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), `{"ice-candidate":`))
	assert.Contains(t, string(out), `"id":"peer-42"`)
}
