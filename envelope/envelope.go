package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is stamped into every envelope produced by this codebase.
// Decode accepts envelopes without a version (older peers) and envelopes
// up to this version; anything newer is rejected as malformed.
const Version = 1

// Envelope kinds.
const (
	KindRegister = "register"
	KindData     = "data"
	KindPresence = "presence"
)

// Presence events.
const (
	EventJoined = "joined"
	EventLeft   = "left"
)

// Device roles. A role is self-declared by the client in its register
// message; the relay trusts it as-is.
const (
	RoleController = "controller"
	RoleDisplay    = "display"
)

var (
	ErrMalformed   = errors.New("malformed envelope")
	ErrUnknownKind = errors.New("unknown envelope kind")
)

// Device is a roster entry as seen on the wire.
type Device struct {
	ID   string `json:"deviceId"`
	Role string `json:"role"`
}

// Envelope is the tagged wire message for all relay traffic. Exactly one
// of the kind-specific field groups is populated depending on Kind:
// Role for register, From/Payload for data, Event/Self/Roster for presence.
// Payload is opaque to the relay and forwarded verbatim.
type Envelope struct {
	Version int             `json:"v,omitempty"`
	Kind    string          `json:"kind"`
	Role    string          `json:"role,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Event   string          `json:"event,omitempty"`
	Self    string          `json:"self,omitempty"`
	Roster  []Device        `json:"roster,omitempty"`
}

func NewRegister(role string) Envelope {
	return Envelope{Version: Version, Kind: KindRegister, Role: role}
}

func NewData(payload json.RawMessage) Envelope {
	return Envelope{Version: Version, Kind: KindData, Payload: payload}
}

func NewPresence(event string, roster []Device) Envelope {
	return Envelope{Version: Version, Kind: KindPresence, Event: event, Roster: roster}
}

func Encode(env Envelope) ([]byte, error) {
	b, err := json.Marshal(&env)
	if err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	return b, nil
}

// Decode parses a wire message. Both error cases are non-fatal for the
// caller: drop the message and keep the connection.
func Decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, errors.Join(ErrMalformed, err)
	}
	if env.Version > Version {
		return Envelope{}, errors.Join(ErrMalformed,
			fmt.Errorf("unsupported version %d", env.Version))
	}
	switch env.Kind {
	case KindRegister, KindData, KindPresence:
		return env, nil
	default:
		return Envelope{}, errors.Join(ErrUnknownKind,
			fmt.Errorf("kind %q", env.Kind))
	}
}
