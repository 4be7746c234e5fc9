package registry

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiltlink/tiltlink/envelope"
	"github.com/tiltlink/tiltlink/model"
)

func newTestRegistry() *Registry {
	logger := zerolog.Nop()
	return New(&logger)
}

func testWire() model.Wire {
	return model.Wire{
		RX: make(chan envelope.Envelope, 8),
		TX: make(chan envelope.Envelope, 8),
	}
}

func TestAttachCreatesRoomAndAssignsUniqueIDs(t *testing.T) {
	reg := newTestRegistry()

	a := reg.Attach("r1", testWire())
	b := reg.Attach("r1", testWire())
	require.NotEmpty(t, a)
	require.NotEmpty(t, b)
	assert.NotEqual(t, a, b)

	// attached but not yet registered: roster is empty
	roster, err := reg.Roster("r1")
	require.NoError(t, err)
	assert.Empty(t, roster)
}

func TestRegisterUpsertsRoster(t *testing.T) {
	reg := newTestRegistry()
	a := reg.Attach("r1", testWire())

	roster, err := reg.Register("r1", a, envelope.RoleDisplay)
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, envelope.Device{ID: a, Role: envelope.RoleDisplay}, roster[0])

	// repeated register is idempotent apart from the role
	roster, err = reg.Register("r1", a, envelope.RoleController)
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, envelope.RoleController, roster[0].Role)
}

func TestRegisterErrors(t *testing.T) {
	reg := newTestRegistry()

	_, err := reg.Register("nope", "c1", envelope.RoleDisplay)
	require.ErrorIs(t, err, ErrRoomNotFound)

	reg.Attach("r1", testWire())
	_, err = reg.Register("r1", "stranger", envelope.RoleDisplay)
	require.ErrorIs(t, err, ErrNotAttached)
}

func TestBroadcastExcludesSender(t *testing.T) {
	reg := newTestRegistry()

	wireA, wireB, wireC := testWire(), testWire(), testWire()
	a := reg.Attach("r1", wireA)
	reg.Attach("r1", wireB)
	reg.Attach("r1", wireC)

	env := envelope.NewData([]byte(`{"kind":"action","id":"x"}`))
	env.From = a
	reg.Broadcast(context.Background(), "r1", env, a)

	assert.Len(t, wireB.TX, 1)
	assert.Len(t, wireC.TX, 1)
	assert.Len(t, wireA.TX, 0)
}

func TestBroadcastReachesEveryoneWithoutExclude(t *testing.T) {
	reg := newTestRegistry()

	wireA, wireB := testWire(), testWire()
	reg.Attach("r1", wireA)
	reg.Attach("r1", wireB)

	reg.Broadcast(context.Background(), "r1", envelope.NewPresence(envelope.EventJoined, nil), "")

	assert.Len(t, wireA.TX, 1)
	assert.Len(t, wireB.TX, 1)
}

func TestRoomIsolation(t *testing.T) {
	reg := newTestRegistry()

	wire1, wire2 := testWire(), testWire()
	c1 := reg.Attach("r1", wire1)
	reg.Attach("r2", wire2)

	env := envelope.NewData([]byte(`{}`))
	reg.Broadcast(context.Background(), "r1", env, c1)

	assert.Len(t, wire2.TX, 0)
}

func TestRosterAfterChurn(t *testing.T) {
	reg := newTestRegistry()

	a := reg.Attach("r1", testWire())
	b := reg.Attach("r1", testWire())
	c := reg.Attach("r1", testWire())
	_, err := reg.Register("r1", a, envelope.RoleDisplay)
	require.NoError(t, err)
	_, err = reg.Register("r1", b, envelope.RoleController)
	require.NoError(t, err)
	_, err = reg.Register("r1", c, envelope.RoleController)
	require.NoError(t, err)

	remaining, destroyed, err := reg.Detach("r1", b)
	require.NoError(t, err)
	require.False(t, destroyed)
	require.Len(t, remaining, 2)

	roles := map[string]string{}
	for _, d := range remaining {
		roles[d.ID] = d.Role
	}
	assert.Equal(t, map[string]string{
		a: envelope.RoleDisplay,
		c: envelope.RoleController,
	}, roles)
}

func TestLastDetachDestroysRoom(t *testing.T) {
	reg := newTestRegistry()

	a := reg.Attach("r1", testWire())
	b := reg.Attach("r1", testWire())

	_, destroyed, err := reg.Detach("r1", a)
	require.NoError(t, err)
	assert.False(t, destroyed)

	_, destroyed, err = reg.Detach("r1", b)
	require.NoError(t, err)
	assert.True(t, destroyed)

	_, err = reg.Roster("r1")
	require.ErrorIs(t, err, ErrRoomNotFound)
}

func TestSendToUnknownConnection(t *testing.T) {
	reg := newTestRegistry()
	reg.Attach("r1", testWire())

	sent := reg.SendTo(context.Background(), "r1", "stranger", envelope.NewRegister(envelope.RoleDisplay))
	assert.False(t, sent)

	sent = reg.SendTo(context.Background(), "nope", "c1", envelope.NewRegister(envelope.RoleDisplay))
	assert.False(t, sent)
}
