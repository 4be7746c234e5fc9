// Package client owns one relay connection per process. It dials the
// relay, registers its role, routes received payloads into the session
// store and reconnects with bounded exponential backoff after a drop.
// Sends while disconnected are dropped, never queued: stale control
// data is worse than no data.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/tiltlink/tiltlink/envelope"
	"github.com/tiltlink/tiltlink/model"
	"github.com/tiltlink/tiltlink/session"
)

const (
	defaultDialTimeout      = 3 * time.Second
	defaultWriteDeadline    = 5 * time.Second
	defaultServerPingWait   = 15 * time.Second
	defaultPongWriteTimeout = 2 * time.Second

	defaultReconnectMin = 250 * time.Millisecond
	defaultReconnectMax = 15 * time.Second
)

var (
	ErrBadServerURL = errors.New("invalid relay server url")
	ErrBadRole      = errors.New("role must be controller or display")
)

type (
	Config struct {
		Logger    *zerolog.Logger
		ServerURL string // ws:// or wss:// base address of the relay
		Room      string
		Role      string
		Store     *session.Store

		// OnPresence, when set, is called with the device's own
		// connection id and the full roster on every presence
		// envelope. Callers self-filter by the id.
		OnPresence func(self string, roster []envelope.Device)

		ReconnectMin time.Duration
		ReconnectMax time.Duration
	}

	Transport struct {
		logger     zerolog.Logger
		store      *session.Store
		onPresence func(string, []envelope.Device)
		relayURL   string
		role       string
		bo         *backoff.Backoff

		mx     sync.Mutex
		conn   *websocket.Conn
		connID string
		cancel context.CancelFunc
	}
)

func New(cfg Config) (*Transport, error) {
	if cfg.Role != envelope.RoleController && cfg.Role != envelope.RoleDisplay {
		return nil, ErrBadRole
	}
	u, err := url.Parse(cfg.ServerURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, errors.Join(ErrBadServerURL, err)
	}
	u.Path = path.Join(u.Path, "relay", "room", cfg.Room)

	if cfg.ReconnectMin == 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}

	cfg.Store.SetRoom(cfg.Room)

	return &Transport{
		logger:     cfg.Logger.With().Str("component", "client-transport").Logger(),
		store:      cfg.Store,
		onPresence: cfg.OnPresence,
		relayURL:   u.String(),
		role:       cfg.Role,
		bo: &backoff.Backoff{
			Min:    cfg.ReconnectMin,
			Max:    cfg.ReconnectMax,
			Factor: 2,
			Jitter: true,
		},
	}, nil
}

// Run connects and keeps the session alive until ctx is canceled or
// Disconnect is called. Each successful dial re-registers the role, so
// a reconnect is indistinguishable from a fresh join for peers.
func (t *Transport) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.mx.Lock()
	t.cancel = cancel
	t.mx.Unlock()

	defer t.store.SetStatus(session.StatusDisconnected)

runLoop:
	for {
		t.store.SetStatus(session.StatusConnecting)

		conn, err := t.dial(ctx)
		if err != nil {
			t.store.SetStatus(session.StatusDisconnected)
			if ctx.Err() != nil {
				break runLoop
			}
			wait := t.bo.Duration()
			t.logger.Warn().Err(err).
				Dur("retryIn", wait).
				Msg("connect failed")
			select {
			case <-ctx.Done():
				break runLoop
			case <-time.After(wait):
			}
			continue
		}

		t.mx.Lock()
		t.conn = conn
		t.mx.Unlock()

		// scoped to this connection so the watcher goroutine does not
		// outlive it across reconnects
		connCtx, connCancel := context.WithCancel(ctx)
		go func() {
			<-connCtx.Done()
			_ = conn.Close()
		}()

		if err = t.register(conn); err != nil {
			t.logger.Error().Err(err).Msg("failed to send register")
			connCancel()
			t.teardown(conn)
			continue
		}
		t.bo.Reset()
		t.store.SetStatus(session.StatusConnected)
		t.logger.Debug().Str("url", t.relayURL).Msg("connected to relay")

		t.readLoop(connCtx, conn)

		connCancel()
		t.teardown(conn)
		if ctx.Err() != nil {
			break runLoop
		}
		select {
		case <-ctx.Done():
			break runLoop
		case <-time.After(t.bo.Duration()):
		}
	}
}

// Disconnect deterministically closes the connection and stops the
// reconnect loop. Does not block on in-flight traffic.
func (t *Transport) Disconnect() {
	t.mx.Lock()
	cancel, conn := t.cancel, t.conn
	t.mx.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	t.store.SetStatus(session.StatusDisconnected)
}

// ConnID returns the server-assigned connection id, empty until the
// first presence snapshot arrives.
func (t *Transport) ConnID() string {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.connID
}

// SendOrientation transmits a calibrated control sample. Dropped with a
// warning when not connected.
func (t *Transport) SendOrientation(s model.ControlSample) {
	t.sendPayload(envelope.NewOrientation(s.Yaw, s.Pitch, s.Roll, s.CapturedAt))
}

// SendAction transmits a one-shot trigger such as a recalibrate press.
func (t *Transport) SendAction(id string) {
	t.sendPayload(envelope.NewAction(id))
}

func (t *Transport) sendPayload(p any) {
	if t.store.Status() != session.StatusConnected {
		t.logger.Warn().Msg("send while not connected, payload dropped")
		return
	}

	raw, err := json.Marshal(p)
	if err != nil {
		t.logger.Error().Err(err).Msg("failed to marshal payload")
		return
	}
	b, err := envelope.Encode(envelope.NewData(raw))
	if err != nil {
		t.logger.Error().Err(err).Msg("failed to encode envelope")
		return
	}

	t.mx.Lock()
	defer t.mx.Unlock()
	if t.conn == nil {
		t.logger.Warn().Msg("send while not connected, payload dropped")
		return
	}
	if err = t.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		t.logger.Error().Err(err).Msg("failed to set write deadline")
		return
	}
	if err = t.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.logger.Error().Err(err).Msg("failed to write envelope")
	}
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, t.relayURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (t *Transport) register(conn *websocket.Conn) error {
	b, err := envelope.Encode(envelope.NewRegister(t.role))
	if err != nil {
		return err
	}
	if err = conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (t *Transport) teardown(conn *websocket.Conn) {
	_ = conn.Close()
	t.mx.Lock()
	t.conn = nil
	t.mx.Unlock()
	t.store.SetStatus(session.StatusDisconnected)
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	readDeadLineFunc := func() error {
		return conn.SetReadDeadline(time.Now().Add(defaultServerPingWait))
	}
	conn.SetPingHandler(func(appData string) error {
		_ = conn.WriteControl(websocket.PongMessage, []byte(appData),
			time.Now().Add(defaultPongWriteTimeout))
		return readDeadLineFunc()
	})
	if err := readDeadLineFunc(); err != nil {
		t.logger.Error().Err(err).Msg("failed to set read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					t.logger.Warn().Err(err).Msg("connection closed")
				} else if ctx.Err() == nil {
					t.logger.Error().Err(err).Msg("unexpected error during receive")
				}
				break RecvLoop
			}

			env, err := envelope.Decode(msg)
			if err != nil {
				t.logger.Error().Err(err).Msg("incoming envelope dropped")
				continue
			}
			t.handle(env)
		}
	}
}

func (t *Transport) handle(env envelope.Envelope) {
	switch env.Kind {
	case envelope.KindPresence:
		if env.Self != "" {
			t.mx.Lock()
			t.connID = env.Self
			t.mx.Unlock()
		}
		if t.onPresence != nil {
			t.onPresence(t.ConnID(), env.Roster)
		}

	case envelope.KindData:
		p, err := envelope.DecodePayload(env.Payload)
		if err != nil {
			t.logger.Error().Err(err).Msg("data payload dropped")
			return
		}
		switch v := p.(type) {
		case *envelope.Orientation:
			t.store.SetControlSample(model.ControlSample{
				Yaw:        v.Yaw,
				Pitch:      v.Pitch,
				Roll:       v.Roll,
				CapturedAt: v.CapturedAt,
			})
		case *envelope.Action:
			t.store.SetDiscreteAction(v.ID)
		}

	default:
		t.logger.Debug().Str("kind", env.Kind).Msg("unroutable envelope dropped")
	}
}
