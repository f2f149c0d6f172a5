package domain

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageMarshalKeepsEntryOrder(t *testing.T) {
	msg := Message{Entries: []Entry{
		{Topic: "b-topic", Payload: 2},
		{Topic: "a-topic", Payload: 1},
	}}
	out, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Equal(t, `{"b-topic":2,"a-topic":1}`, string(out))
}

func TestMessageUnmarshalKeepsWireOrder(t *testing.T) {
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(`{"z":1,"a":2,"m":3}`), &msg))
	require.Len(t, msg.Entries, 3)
	assert.Equal(t, Topic("z"), msg.Entries[0].Topic)
	assert.Equal(t, Topic("a"), msg.Entries[1].Topic)
	assert.Equal(t, Topic("m"), msg.Entries[2].Topic)
}

func TestMessageIDPlacement(t *testing.T) {
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(`{"id":"peer-1","hang-up":{"to":"peer-1"}}`), &msg))
	assert.Equal(t, To("peer-1"), msg.ID)
	require.Len(t, msg.Entries, 1)
	assert.Equal(t, TopicHangUp, msg.Entries[0].Topic)

	// On output the id always trails the entries.
	out, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Equal(t, `{"hang-up":{"to":"peer-1"},"id":"peer-1"}`, string(out))
}

func TestAddressScalarAndArrayForms(t *testing.T) {
	one, err := json.Marshal(To("x"))
	require.NoError(t, err)
	assert.Equal(t, `"x"`, string(one))

	many, err := json.Marshal(To("x", "y"))
	require.NoError(t, err)
	assert.Equal(t, `["x","y"]`, string(many))

	var a Address
	require.NoError(t, json.Unmarshal([]byte(`"solo"`), &a))
	assert.Equal(t, To("solo"), a)
	require.NoError(t, json.Unmarshal([]byte(`["p","q"]`), &a))
	assert.Equal(t, To("p", "q"), a)
}

func TestBroadcastHasNoIDKey(t *testing.T) {
	out, err := json.Marshal(Msg("t", "v"))
	require.NoError(t, err)
	assert.NotContains(t, string(out), `"id"`)
}

func TestUnmarshalRejectsNonObject(t *testing.T) {
	var msg Message
	assert.ErrorIs(t, json.Unmarshal([]byte(`[1,2]`), &msg), ErrMalformedMessage)
}

func TestDecodePayloadForms(t *testing.T) {
	// Passthrough for locally published values.
	direct, err := DecodePayload[HangUp](HangUp{To: "a"})
	require.NoError(t, err)
	assert.Equal(t, UserID("a"), direct.To)

	// Wire payloads arrive raw.
	raw, err := DecodePayload[HangUp](json.RawMessage(`{"to":"b","from":"c"}`))
	require.NoError(t, err)
	assert.Equal(t, UserID("b"), raw.To)
	assert.Equal(t, UserID("c"), raw.From)

	// Anything else goes through a marshal round trip.
	loose, err := DecodePayload[HangUp](map[string]any{"to": "d"})
	require.NoError(t, err)
	assert.Equal(t, UserID("d"), loose.To)
}

func TestRoomNoticeMultiplexing(t *testing.T) {
	var req RoomNotice
	require.NoError(t, json.Unmarshal([]byte(`{"teamId":"R","userId":"u"}`), &req))
	assert.True(t, req.IsJoinRequest())

	var started RoomNotice
	require.NoError(t, json.Unmarshal([]byte(`{"teamId":"R","active":true}`), &started))
	require.False(t, started.IsJoinRequest())
	assert.True(t, *started.Active)

	var ended RoomNotice
	require.NoError(t, json.Unmarshal([]byte(`{"teamId":"R","active":false}`), &ended))
	require.False(t, ended.IsJoinRequest())
	assert.False(t, *ended.Active)
}
