package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keast/huddle/internal/adapters/wire"
	"github.com/keast/huddle/internal/adapters/ws"
	"github.com/keast/huddle/internal/bus"
	"github.com/keast/huddle/internal/config"
	"github.com/keast/huddle/internal/domain"
	"github.com/keast/huddle/internal/relay"
)

func testConfig() *config.Config {
	return &config.Config{
		Mode:       "release",
		ReadLimit:  32768,
		PingPeriod: 10 * time.Second,
		Secret:     "test-secret",
	}
}

func newTestServer(t *testing.T, ctx context.Context) *httptest.Server {
	t.Helper()
	router := bus.New()
	rel := relay.New(router)
	adapter := wire.New("signal", router)
	srv := httptest.NewServer(SetupRouter(ctx, testConfig(), NewController(testConfig(), adapter, rel)))
	t.Cleanup(srv.Close)
	t.Cleanup(adapter.Close)
	return srv
}

func TestHealthAndClientToken(t *testing.T) {
	srv := newTestServer(t, context.Background())

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var tokenSet bool
	for _, c := range resp.Cookies() {
		if c.Name == "ct" && c.Value != "" {
			tokenSet = true
		}
	}
	assert.True(t, tokenSet)
}

type safeSink struct {
	id string

	mu  sync.Mutex
	got []domain.Message
}

func (s *safeSink) Identity() string { return s.id }

func (s *safeSink) Deliver(m domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, m)
	return nil
}

func (s *safeSink) messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.got...)
}

// dialClient builds the full client stack: local bus, a feature sink,
// a wire adapter with the relay connection attached as gateway.
func dialClient(t *testing.T, ctx context.Context, url, user string) (*bus.Router, *safeSink) {
	t.Helper()
	b := bus.New()
	sink := &safeSink{id: "sink-" + user}
	b.Register(sink,
		[]domain.Topic{domain.TopicCallInvite, domain.TopicIceCandidate},
		[]domain.Topic{domain.TopicCallInvite, domain.TopicIceCandidate})

	adapter := wire.New("wire-"+user, b)
	conn, err := ws.Dial(ctx, url, user)
	require.NoError(t, err)
	adapter.AttachGateway(conn)
	go conn.WritePump(ctx, 10*time.Second)
	go conn.ReadPump(ctx, 32768, adapter)
	t.Cleanup(adapter.Close)
	return b, sink
}

func TestSignalRelayRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := newTestServer(t, ctx)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal"

	aliceBus, aliceSink := dialClient(t, ctx, url, "alice")
	_, bobSink := dialClient(t, ctx, url, "bob")

	// The handshake has to settle before the adapters route anything,
	// so publish until the far side reports the message. The relay must
	// stamp alice as the sender.
	require.Eventually(t, func() bool {
		aliceBus.Publish(aliceSink, domain.Msg(domain.TopicCallInvite, map[string]any{
			"to": "bob",
		}).WithID(domain.To("bob")))
		return len(bobSink.messages()) > 0
	}, 5*time.Second, 50*time.Millisecond)

	got := bobSink.messages()[0]
	require.Len(t, got.Entries, 1)
	assert.Equal(t, domain.TopicCallInvite, got.Entries[0].Topic)
	payload, err := domain.DecodePayload[map[string]any](got.Entries[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "alice", payload["from"])

	// Nothing echoed back to the sender.
	assert.Empty(t, aliceSink.messages())
}
