// Package relay applies the broadcast policy on top of the room
// registry: presence snapshot on connect, roster announcements on
// register and close, sender-excluded fan-out for data. Data payloads
// are forwarded verbatim, never parsed.
package relay

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tiltlink/tiltlink/envelope"
	"github.com/tiltlink/tiltlink/model"
)

const (
	defaultCloseTimeout = 2 * time.Second
)

var (
	ErrCreate = errors.New("unable to create relay session")
	ErrDelete = errors.New("unable to delete relay session")
)

type (
	Registry interface {
		Attach(roomID string, wire model.Wire) string
		Register(roomID, connID, role string) ([]envelope.Device, error)
		Roster(roomID string) ([]envelope.Device, error)
		Detach(roomID, connID string) ([]envelope.Device, bool, error)
		Broadcast(ctx context.Context, roomID string, env envelope.Envelope, exclude string)
		SendTo(ctx context.Context, roomID, connID string, env envelope.Envelope) bool
	}

	Service struct {
		reg    Registry
		logger zerolog.Logger
	}

	Config struct {
		Registry Registry
		Logger   *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		reg:    cfg.Registry,
		logger: cfg.Logger.With().Str("component", "relay").Logger(),
	}
}

// CreateSession attaches a wire to a room, delivers the presence
// snapshot to the new connection and starts the policy loop consuming
// its inbound envelopes. The snapshot is sent before the loop starts so
// it always precedes any relayed traffic on that wire.
func (svc *Service) CreateSession(ctx context.Context, roomID string, wire model.Wire) (string, error) {
	connID := svc.reg.Attach(roomID, wire)

	roster, err := svc.reg.Roster(roomID)
	if err != nil {
		return "", errors.Join(ErrCreate, err)
	}
	snapshot := envelope.NewPresence(envelope.EventJoined, roster)
	snapshot.Self = connID
	if !svc.reg.SendTo(ctx, roomID, connID, snapshot) {
		_, _, _ = svc.reg.Detach(roomID, connID)
		return "", ErrCreate
	}

	svc.logger.Debug().
		Str("roomID", roomID).
		Str("connID", connID).
		Msg("relay session created")

	go svc.serve(ctx, roomID, connID, wire.RX)
	return connID, nil
}

// DeleteSession removes the connection from its room and announces the
// departure to whoever remains. The announcement is synchronous so the
// caller's context must outlive it; the registry bounds each delivery
// with its forward timeout.
func (svc *Service) DeleteSession(ctx context.Context, roomID, connID string) error {
	roster, destroyed, err := svc.reg.Detach(roomID, connID)
	if err != nil {
		return errors.Join(ErrDelete, err)
	}
	svc.logger.Debug().
		Str("roomID", roomID).
		Str("connID", connID).
		Msg("relay session deleted")

	if !destroyed {
		svc.reg.Broadcast(ctx, roomID, envelope.NewPresence(envelope.EventLeft, roster), "")
	}
	return nil
}

// RoomRoster exposes the live roster for the operational API.
func (svc *Service) RoomRoster(roomID string) ([]envelope.Device, error) {
	return svc.reg.Roster(roomID)
}

// serve is the per-connection policy loop. It owns session teardown:
// when rx closes (the receiver pump exits on disconnect) or ctx ends,
// every envelope handed over before the close has already been applied,
// so the departure announcement always carries the settled roster.
func (svc *Service) serve(ctx context.Context, roomID, connID string, rx <-chan envelope.Envelope) {
	logger := svc.logger.With().
		Str("roomID", roomID).
		Str("connID", connID).Logger()

	defer func() {
		dCtx, dCancel := context.WithTimeout(context.Background(), defaultCloseTimeout)
		defer dCancel()
		if err := svc.DeleteSession(dCtx, roomID, connID); err != nil {
			logger.Error().Err(err).Msg("failed to delete relay session")
		}
	}()

serveLoop:
	for {
		select {
		case <-ctx.Done():
			break serveLoop
		case env, ok := <-rx:
			if !ok {
				break serveLoop
			}
			switch env.Kind {
			case envelope.KindRegister:
				roster, err := svc.reg.Register(roomID, connID, env.Role)
				if err != nil {
					logger.Debug().Err(err).Msg("register dropped")
					continue
				}
				// Everyone gets the announcement, sender
				// included; clients self-filter by connID.
				svc.reg.Broadcast(ctx, roomID, envelope.NewPresence(envelope.EventJoined, roster), "")

			case envelope.KindData:
				relayed := envelope.NewData(env.Payload)
				relayed.From = connID
				// Excluding the sender keeps a device from
				// echoing its own sensor stream back into
				// its own state store.
				svc.reg.Broadcast(ctx, roomID, relayed, connID)

			default:
				logger.Debug().Str("kind", env.Kind).Msg("unroutable envelope dropped")
			}
		}
	}
}

// NewRoomToken mints a short opaque room token for the shared-link
// flow. Tokens carry no meaning; both ends just have to agree on one.
func NewRoomToken() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}
