package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keast/huddle/internal/bus"
	"github.com/keast/huddle/internal/domain"
)

type sink struct {
	id  string
	got []domain.Message
}

func (s *sink) Identity() string { return s.id }

func (s *sink) Deliver(m domain.Message) error {
	s.got = append(s.got, m)
	return nil
}

func setup(t *testing.T) (*Relay, *sink) {
	t.Helper()
	r := bus.New()
	rel := New(r)
	out := &sink{id: "adapter"}
	r.Register(out, nil, []domain.Topic{
		domain.TopicCallInvite,
		domain.TopicCallRoom,
		domain.TopicJoinResponse,
		domain.TopicParticipantLeft,
	})
	return rel, out
}

func payload(t *testing.T, m domain.Message) map[string]any {
	t.Helper()
	p, err := domain.DecodePayload[map[string]any](m.Entries[0].Payload)
	require.NoError(t, err)
	return p
}

func TestTargetedForwardRewritesSender(t *testing.T) {
	rel, out := setup(t)

	// The client claimed to be someone else; the stamped origin wins.
	require.NoError(t, rel.Deliver(domain.Msg(domain.TopicCallInvite, map[string]any{
		"to":   "bob",
		"from": "mallory",
	}).WithID(domain.To("alice"))))

	require.Len(t, out.got, 1)
	assert.Equal(t, domain.To("bob"), out.got[0].ID)
	p := payload(t, out.got[0])
	assert.Equal(t, "alice", p["from"])
}

func TestTargetedForwardWithoutTargetDropped(t *testing.T) {
	rel, out := setup(t)

	require.NoError(t, rel.Deliver(domain.Msg(domain.TopicCallInvite, map[string]any{}).WithID(domain.To("alice"))))
	assert.Empty(t, out.got)
}

func TestMessageWithoutOriginDropped(t *testing.T) {
	rel, out := setup(t)

	require.NoError(t, rel.Deliver(domain.Msg(domain.TopicCallInvite, map[string]any{"to": "bob"})))
	assert.Empty(t, out.got)
}

func TestRoomFanOutExcludesOrigin(t *testing.T) {
	rel, out := setup(t)
	rel.AddClient("alice")
	rel.AddClient("bob")
	rel.AddClient("carol")

	require.NoError(t, rel.Deliver(domain.Msg(domain.TopicCallRoom, map[string]any{
		"teamId": "room-7",
	}).WithID(domain.To("alice"))))

	require.Len(t, out.got, 1)
	assert.ElementsMatch(t, domain.Address{"bob", "carol"}, out.got[0].ID)
	p := payload(t, out.got[0])
	assert.Equal(t, "alice", p["userId"])
}

func TestFanOutWithNoAudienceDropped(t *testing.T) {
	rel, out := setup(t)

	// Only the origin itself is known; there is nobody to tell.
	require.NoError(t, rel.Deliver(domain.Msg(domain.TopicCallRoom, map[string]any{
		"teamId": "room-7",
	}).WithID(domain.To("alice"))))
	assert.Empty(t, out.got)
}

func TestOriginLearnedFromTraffic(t *testing.T) {
	rel, out := setup(t)
	rel.AddClient("bob")

	// alice was never announced, her first message enrolls her.
	require.NoError(t, rel.Deliver(domain.Msg(domain.TopicJoinResponse, map[string]any{
		"teamId":      "room-7",
		"requesterId": "peer-9",
		"accepted":    true,
	}).WithID(domain.To("alice"))))
	require.NoError(t, rel.Deliver(domain.Msg(domain.TopicCallRoom, map[string]any{
		"teamId": "room-7",
	}).WithID(domain.To("bob"))))

	require.Len(t, out.got, 2)
	assert.ElementsMatch(t, domain.Address{"alice"}, out.got[1].ID)
}

func TestRemoveClientStopsFanOut(t *testing.T) {
	rel, out := setup(t)
	rel.AddClient("alice")
	rel.AddClient("bob")
	rel.RemoveClient("bob")

	require.NoError(t, rel.Deliver(domain.Msg(domain.TopicParticipantLeft, map[string]any{
		"teamId": "room-7",
	}).WithID(domain.To("alice"))))
	assert.Empty(t, out.got)
}

func TestEntriesForwardedIndependently(t *testing.T) {
	rel, out := setup(t)
	rel.AddClient("alice")
	rel.AddClient("bob")

	msg := domain.Msg(domain.TopicCallInvite, map[string]any{"to": "bob"})
	msg.Entries = append(msg.Entries, domain.Entry{
		Topic:   domain.TopicCallRoom,
		Payload: map[string]any{"teamId": "room-7"},
	})
	require.NoError(t, rel.Deliver(msg.WithID(domain.To("alice"))))

	require.Len(t, out.got, 2)
	assert.Equal(t, domain.To("bob"), out.got[0].ID)
	assert.Equal(t, domain.To("bob"), out.got[1].ID)
	assert.Equal(t, domain.TopicCallRoom, out.got[1].Entries[0].Topic)
}
