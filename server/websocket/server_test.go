package websocket

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiltlink/tiltlink/envelope"
	"github.com/tiltlink/tiltlink/registry"
	"github.com/tiltlink/tiltlink/relay"
)

func startServer(t *testing.T) string {
	t.Helper()
	logger := zerolog.Nop()
	svc := relay.NewService(relay.Config{
		Registry: registry.New(&logger),
		Logger:   &logger,
	})
	srv := NewServer(Config{
		Logger:       &logger,
		RelayService: svc,
		ListenAddr:   ":0",
	})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialRoom(t *testing.T, base, room string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(base+"/relay/room/"+room, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err, "expected an envelope before the read deadline")
	env, err := envelope.Decode(msg)
	require.NoError(t, err)
	return env
}

func readPresence(t *testing.T, conn *websocket.Conn, event string, rosterLen int) envelope.Envelope {
	t.Helper()
	for i := 0; i < 10; i++ {
		env := readEnvelope(t, conn)
		if env.Kind == envelope.KindPresence && env.Event == event && len(env.Roster) == rosterLen {
			return env
		}
	}
	t.Fatalf("no presence %s with %d roster entries received", event, rosterLen)
	return envelope.Envelope{}
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env envelope.Envelope) {
	t.Helper()
	b, err := envelope.Encode(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
}

// A bare connection must receive the presence snapshot immediately,
// before it sends anything at all.
func TestSnapshotDeliveredOnConnect(t *testing.T) {
	base := startServer(t)
	conn := dialRoom(t, base, "abc123")

	env := readEnvelope(t, conn)
	assert.Equal(t, envelope.KindPresence, env.Kind)
	assert.Equal(t, envelope.EventJoined, env.Event)
	assert.NotEmpty(t, env.Self)
	assert.Empty(t, env.Roster)
}

func TestPeerDepartureAnnounced(t *testing.T) {
	base := startServer(t)

	connA := dialRoom(t, base, "abc123")
	selfA := readEnvelope(t, connA).Self
	require.NotEmpty(t, selfA)
	writeEnvelope(t, connA, envelope.NewRegister(envelope.RoleDisplay))
	readPresence(t, connA, envelope.EventJoined, 1)

	connB := dialRoom(t, base, "abc123")
	readEnvelope(t, connB) // snapshot
	writeEnvelope(t, connB, envelope.NewRegister(envelope.RoleController))
	readPresence(t, connA, envelope.EventJoined, 2)

	require.NoError(t, connB.Close())

	left := readPresence(t, connA, envelope.EventLeft, 1)
	assert.Equal(t, envelope.Device{ID: selfA, Role: envelope.RoleDisplay}, left.Roster[0])
}

func TestMalformedEnvelopeDoesNotCloseConnection(t *testing.T) {
	base := startServer(t)
	conn := dialRoom(t, base, "abc123")
	readEnvelope(t, conn) // snapshot

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not an envelope")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"v":1,"kind":"telemetry"}`)))

	// the connection survived both drops
	writeEnvelope(t, conn, envelope.NewRegister(envelope.RoleDisplay))
	ann := readPresence(t, conn, envelope.EventJoined, 1)
	assert.Equal(t, envelope.RoleDisplay, ann.Roster[0].Role)
}
