package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keast/huddle/internal/domain"
)

type stubEndpoint struct {
	id      string
	got     []domain.Message
	handler func(domain.Message) error
}

func (s *stubEndpoint) Identity() string { return s.id }

func (s *stubEndpoint) Deliver(msg domain.Message) error {
	s.got = append(s.got, msg)
	if s.handler != nil {
		return s.handler(msg)
	}
	return nil
}

func topicsOf(msgs []domain.Message) []domain.Topic {
	out := make([]domain.Topic, 0, len(msgs))
	for _, m := range msgs {
		for _, e := range m.Entries {
			out = append(out, e.Topic)
		}
	}
	return out
}

func TestPublishFanOut(t *testing.T) {
	r := New()
	a1 := &stubEndpoint{id: "a1"}
	a2 := &stubEndpoint{id: "a2"}
	b1 := &stubEndpoint{id: "b1"}
	other := &stubEndpoint{id: "other"}
	r.Register(a1, nil, []domain.Topic{"alpha"})
	r.Register(a2, nil, []domain.Topic{"alpha"})
	r.Register(b1, nil, []domain.Topic{"beta"})
	r.Register(other, nil, []domain.Topic{"gamma"})

	sender := &stubEndpoint{id: "sender"}
	r.Register(sender, []domain.Topic{"alpha", "beta"}, nil)

	msg := domain.Message{
		ID: domain.To("peer-42"),
		Entries: []domain.Entry{
			{Topic: "alpha", Payload: 1},
			{Topic: "beta", Payload: 2},
		},
	}
	r.Publish(sender, msg)

	require.Len(t, a1.got, 1)
	require.Len(t, a2.got, 1)
	require.Len(t, b1.got, 1)
	assert.Empty(t, other.got)

	// Each derived message carries exactly one topic plus the cloned id.
	assert.Equal(t, []domain.Topic{"alpha"}, topicsOf(a1.got))
	assert.Equal(t, []domain.Topic{"beta"}, topicsOf(b1.got))
	assert.Equal(t, domain.To("peer-42"), a1.got[0].ID)
	assert.Equal(t, domain.To("peer-42"), b1.got[0].ID)
	assert.Equal(t, 2, b1.got[0].Entries[0].Payload)
}

func TestPublishUnknownTopicDropped(t *testing.T) {
	r := New(WithVerbose())
	sub := &stubEndpoint{id: "sub"}
	r.Register(sub, nil, []domain.Topic{"known"})

	assert.NotPanics(t, func() {
		r.Publish(nil, domain.Msg("unknown", "x"))
	})
	assert.Empty(t, sub.got)
}

func TestPublishSkipsSender(t *testing.T) {
	r := New()
	loop := &stubEndpoint{id: "loop"}
	peer := &stubEndpoint{id: "peer"}
	r.Register(loop, []domain.Topic{"t"}, []domain.Topic{"t"})
	r.Register(peer, nil, []domain.Topic{"t"})

	r.Publish(loop, domain.Msg("t", "v"))

	assert.Empty(t, loop.got)
	require.Len(t, peer.got, 1)
}

func TestPublishDeliveryOrderIsRegistrationOrder(t *testing.T) {
	r := New()
	var order []string
	mk := func(id string) *stubEndpoint {
		ep := &stubEndpoint{id: id}
		ep.handler = func(domain.Message) error {
			order = append(order, id)
			return nil
		}
		return ep
	}
	r.Register(mk("first"), nil, []domain.Topic{"t"})
	r.Register(mk("second"), nil, []domain.Topic{"t"})
	r.Register(mk("third"), nil, []domain.Topic{"t"})

	r.Publish(nil, domain.Msg("t", nil))
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestReentrantPublish(t *testing.T) {
	r := New()
	final := &stubEndpoint{id: "final"}
	r.Register(final, nil, []domain.Topic{"second"})

	chained := &stubEndpoint{id: "chained"}
	chained.handler = func(domain.Message) error {
		r.Publish(chained, domain.Msg("second", "from-handler"))
		return nil
	}
	r.Register(chained, []domain.Topic{"second"}, []domain.Topic{"first"})

	r.Publish(nil, domain.Msg("first", nil))

	require.Len(t, final.got, 1)
	assert.Equal(t, domain.Topic("second"), final.got[0].Entries[0].Topic)
}

func TestMutationDuringPublishUsesSnapshot(t *testing.T) {
	r := New()
	late := &stubEndpoint{id: "late"}

	saboteur := &stubEndpoint{id: "saboteur"}
	saboteur.handler = func(domain.Message) error {
		r.Deregister(late, nil, []domain.Topic{"t"})
		return nil
	}
	r.Register(saboteur, nil, []domain.Topic{"t"})
	r.Register(late, nil, []domain.Topic{"t"})

	// The snapshot taken before iterating still includes "late".
	r.Publish(nil, domain.Msg("t", nil))
	require.Len(t, late.got, 1)

	// The mutation holds for the next publish.
	r.Publish(nil, domain.Msg("t", nil))
	require.Len(t, late.got, 1)
}

func TestRegisterSubscriptionUpdatesInPlace(t *testing.T) {
	r := New()
	v1 := &stubEndpoint{id: "ep"}
	r.Register(v1, nil, []domain.Topic{"t"})

	v2 := &stubEndpoint{id: "ep"}
	r.Register(v2, nil, []domain.Topic{"t"})

	r.Publish(nil, domain.Msg("t", nil))
	assert.Empty(t, v1.got)
	require.Len(t, v2.got, 1)
}

func TestDeregisterUnknownIsNoop(t *testing.T) {
	r := New()
	ep := &stubEndpoint{id: "ep"}
	assert.NotPanics(t, func() {
		r.Deregister(ep, []domain.Topic{"never"}, []domain.Topic{"never"})
	})
}

func TestTopicsExcept(t *testing.T) {
	r := New()
	engine := &stubEndpoint{id: "engine"}
	adapter := &stubEndpoint{id: "adapter"}
	r.Register(engine, []domain.Topic{"call-invite"}, []domain.Topic{"call-answer"})
	r.Register(adapter, []domain.Topic{"call-answer"}, []domain.Topic{"call-invite"})

	emitted, subscribed := r.TopicsExcept("adapter")
	assert.ElementsMatch(t, []domain.Topic{"call-invite"}, emitted)
	assert.ElementsMatch(t, []domain.Topic{"call-answer"}, subscribed)
}
