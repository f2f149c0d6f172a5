// Package domain contains entity without logic, just meta-data
package domain

import (
	"bytes"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// Topic identifies a message's semantic type on the bus.
type Topic string

// Router topics used by the call engines. The wire name of
// TopicGroupIce differs, see WireTopicRelayIce.
const (
	TopicCallInvite      Topic = "call-invite"
	TopicCallAnswer      Topic = "call-answer"
	TopicCallReject      Topic = "call-reject"
	TopicHangUp          Topic = "hang-up"
	TopicIceCandidate    Topic = "ice-candidate"
	TopicCallRoom        Topic = "call-room"
	TopicJoinResponse    Topic = "join-request-response"
	TopicGroupInvite     Topic = "group-call-invite"
	TopicGroupAnswer     Topic = "group-call-answer"
	TopicGroupIce        Topic = "group-ice-candidate"
	TopicParticipantLeft Topic = "participant-left"
)

// Adapter-level handshake topics. These are consumed by the transport
// adapter and never reach the bus.
const (
	TopicTopicsRequest  Topic = "topics-request"
	TopicTopicsResponse Topic = "topics-response"
)

// WireTopicRelayIce is the on-wire name of TopicGroupIce. The mesh
// engine multiplexes its ICE relay onto a dedicated router topic, which
// must be renamed on the wire to stay interoperable with counterpart
// implementations.
const WireTopicRelayIce Topic = "relay-ice-candidate"

const idKey = "id"

var ErrMalformedMessage = errors.New("malformed message")

// Address names the endpoint(s) a message is for.
// Empty means broadcast. No implicit dedup is done.
type Address []string

func To(ids ...string) Address { return Address(ids) }

func (a Address) IsBroadcast() bool { return len(a) == 0 }

func (a Address) Contains(id string) bool {
	for _, v := range a {
		if v == id {
			return true
		}
	}
	return false
}

// Origin returns the single id of a stamped inbound message.
func (a Address) Origin() string {
	if len(a) == 0 {
		return ""
	}
	return a[0]
}

// MarshalJSON emits a scalar for a single id and an array otherwise.
func (a Address) MarshalJSON() ([]byte, error) {
	if len(a) == 1 {
		return json.Marshal(a[0])
	}
	return json.Marshal([]string(a))
}

func (a *Address) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*a = Address{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*a = Address(many)
	return nil
}

// Entry is one topic/payload pair of a Message.
type Entry struct {
	Topic   Topic
	Payload any
}

// Message is an ordered mapping of topics to payloads plus optional
// addressing. A multi-topic message decomposes into independent
// single-topic deliveries, each carrying a copy of the id.
type Message struct {
	ID      Address
	Entries []Entry
}

// Msg builds a single-topic message.
func Msg(topic Topic, payload any) Message {
	return Message{Entries: []Entry{{Topic: topic, Payload: payload}}}
}

func (m Message) WithID(a Address) Message {
	m.ID = a
	return m
}

func (m Message) Get(topic Topic) (any, bool) {
	for _, e := range m.Entries {
		if e.Topic == topic {
			return e.Payload, true
		}
	}
	return nil, false
}

// MarshalJSON writes the wire shape: one object whose keys are topic
// names in entry order, plus the optional id key.
func (m Message) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range m.Entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(string(e.Topic))
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	if !m.ID.IsBroadcast() {
		if len(m.Entries) > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(`"id":`)
		v, err := json.Marshal(m.ID)
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON walks the object token by token so topic order is
// preserved exactly as it appeared on the wire.
func (m *Message) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("%w: not an object", ErrMalformedMessage)
	}

	m.ID = nil
	m.Entries = m.Entries[:0]
	for dec.More() {
		tok, err = dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("%w: non-string key", ErrMalformedMessage)
		}
		var raw json.RawMessage
		if err = dec.Decode(&raw); err != nil {
			return err
		}
		if key == idKey {
			var addr Address
			if err = json.Unmarshal(raw, &addr); err != nil {
				return fmt.Errorf("%w: bad id: %w", ErrMalformedMessage, err)
			}
			m.ID = addr
			continue
		}
		m.Entries = append(m.Entries, Entry{Topic: Topic(key), Payload: raw})
	}
	_, err = dec.Token() // closing brace
	return err
}

// DecodePayload converts an entry payload into a concrete type. Locally
// published payloads are passed through, wire payloads are unmarshalled.
func DecodePayload[T any](v any) (T, error) {
	var out T
	switch p := v.(type) {
	case T:
		return p, nil
	case json.RawMessage:
		err := json.Unmarshal(p, &out)
		return out, err
	case []byte:
		err := json.Unmarshal(p, &out)
		return out, err
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return out, err
		}
		err = json.Unmarshal(b, &out)
		return out, err
	}
}
