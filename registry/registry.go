// Package registry holds per-room rosters and performs broadcast
// fan-out over per-connection wires. Rooms are created implicitly when
// the first connection attaches and discarded when the last one
// detaches; nothing is persisted.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tiltlink/tiltlink/envelope"
	"github.com/tiltlink/tiltlink/model"
)

const (
	// How long a single fan-out send may block on a slow or dead
	// endpoint before it is skipped. Transport-level close will
	// eventually detach the endpoint; no retry here.
	defaultFwdTimeout = time.Second
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrNotAttached  = errors.New("connection not attached to room")
)

type member struct {
	wire       model.Wire
	role       string
	joinedAt   time.Time
	registered bool
}

type room struct {
	members map[string]*member
}

type Registry struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	rooms  map[string]*room
}

func New(logger *zerolog.Logger) *Registry {
	return &Registry{
		logger: logger.With().Str("component", "registry").Logger(),
		mx:     &sync.RWMutex{},
		rooms:  make(map[string]*room),
	}
}

// Attach adds a connection wire to a room, creating the room if absent,
// and returns the assigned connection identifier. The connection is not
// part of the roster until Register.
func (r *Registry) Attach(roomID string, wire model.Wire) string {
	connID := uuid.NewString()

	r.mx.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{members: make(map[string]*member)}
		r.rooms[roomID] = rm
	}
	rm.members[connID] = &member{wire: wire}
	r.mx.Unlock()

	r.logger.Debug().
		Str("roomID", roomID).
		Str("connID", connID).
		Bool("created", !ok).
		Msg("connection attached")
	return connID
}

// Register upserts the connection's self-declared identity into the
// roster and returns the updated roster. Repeated registers are
// idempotent apart from a role change, which is taken at face value.
func (r *Registry) Register(roomID, connID, role string) ([]envelope.Device, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	m, ok := rm.members[connID]
	if !ok {
		return nil, ErrNotAttached
	}
	if !m.registered {
		m.registered = true
		m.joinedAt = time.Now()
	}
	m.role = role
	return rm.roster(), nil
}

// Roster returns the registered devices of a room in join order.
func (r *Registry) Roster(roomID string) ([]envelope.Device, error) {
	r.mx.RLock()
	defer r.mx.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return rm.roster(), nil
}

// Detach removes a connection from its room and returns the remaining
// roster. When the last connection leaves, the room itself is discarded
// and destroyed is true.
func (r *Registry) Detach(roomID, connID string) (remaining []envelope.Device, destroyed bool, err error) {
	r.mx.Lock()
	defer func() {
		r.mx.Unlock()
		r.logger.Debug().
			Str("roomID", roomID).
			Str("connID", connID).
			Bool("roomDestroyed", destroyed).
			Msg("connection detached")
	}()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, false, ErrRoomNotFound
	}
	delete(rm.members, connID)
	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
		return nil, true, nil
	}
	return rm.roster(), false, nil
}

// Broadcast fans env out to every wire in the room except exclude
// (empty exclude reaches everyone). Delivery is best-effort: a wire
// that does not accept within the forward timeout is skipped.
func (r *Registry) Broadcast(ctx context.Context, roomID string, env envelope.Envelope, exclude string) {
	r.mx.RLock()
	rm, ok := r.rooms[roomID]
	var wires map[string]model.Wire
	if ok {
		wires = make(map[string]model.Wire, len(rm.members))
		for id, m := range rm.members {
			wires[id] = m.wire
		}
	}
	r.mx.RUnlock()

	if !ok {
		return
	}

	var sent bool
	for id, wire := range wires {
		if id == exclude {
			continue
		}
		ok, canceled := send(ctx, env, wire.TX, &r.logger)
		if canceled {
			return
		}
		if ok {
			sent = true
		}
	}
	if !sent {
		r.logger.Debug().
			Str("roomID", roomID).
			Str("kind", env.Kind).
			Msg("broadcast did not reach anyone")
	}
}

// SendTo delivers env to a single connection, best-effort.
func (r *Registry) SendTo(ctx context.Context, roomID, connID string, env envelope.Envelope) bool {
	r.mx.RLock()
	rm, ok := r.rooms[roomID]
	var m *member
	if ok {
		m, ok = rm.members[connID]
	}
	r.mx.RUnlock()

	if !ok {
		r.logger.Debug().
			Str("roomID", roomID).
			Str("connID", connID).
			Msg("cannot send, connection not found")
		return false
	}
	sent, _ := send(ctx, env, m.wire.TX, &r.logger)
	return sent
}

func (rm *room) roster() []envelope.Device {
	ids := make([]string, 0, len(rm.members))
	for id, m := range rm.members {
		if m.registered {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		mi, mj := rm.members[ids[i]], rm.members[ids[j]]
		if mi.joinedAt.Equal(mj.joinedAt) {
			return ids[i] < ids[j]
		}
		return mi.joinedAt.Before(mj.joinedAt)
	})
	roster := make([]envelope.Device, 0, len(ids))
	for _, id := range ids {
		roster = append(roster, envelope.Device{ID: id, Role: rm.members[id].role})
	}
	return roster
}

func send(ctx context.Context, env envelope.Envelope, tx chan<- envelope.Envelope, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimeout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Str("kind", env.Kind).Msg("dead endpoint")
	case tx <- env:
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
