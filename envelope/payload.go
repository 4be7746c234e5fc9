package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Data payload kinds. The relay never looks at these: the payload union
// is decoded only at the client boundary.
const (
	PayloadOrientation = "orientation"
	PayloadAction      = "action"
)

// Orientation is the continuous control payload. Superseded by the next
// sample on arrival, so loss needs no recovery.
type Orientation struct {
	Kind       string  `json:"kind"`
	Yaw        float64 `json:"yaw"`
	Pitch      float64 `json:"pitch"`
	Roll       float64 `json:"roll"`
	CapturedAt int64   `json:"capturedAt"`
}

// Action is a one-shot trigger, e.g. a recalibrate press. Unlike
// Orientation it must be observed once per press, never coalesced.
type Action struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func NewOrientation(yaw, pitch, roll float64, capturedAt int64) Orientation {
	return Orientation{
		Kind:       PayloadOrientation,
		Yaw:        yaw,
		Pitch:      pitch,
		Roll:       roll,
		CapturedAt: capturedAt,
	}
}

func NewAction(id string) Action {
	return Action{Kind: PayloadAction, ID: id}
}

// DecodePayload resolves the payload union of a data envelope. Returns
// *Orientation or *Action; an unrecognized payload kind yields
// ErrUnknownKind and the caller drops the message.
func DecodePayload(raw json.RawMessage) (any, error) {
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	switch probe.Kind {
	case PayloadOrientation:
		var o Orientation
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, errors.Join(ErrMalformed, err)
		}
		return &o, nil
	case PayloadAction:
		var a Action
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, errors.Join(ErrMalformed, err)
		}
		return &a, nil
	default:
		return nil, errors.Join(ErrUnknownKind,
			fmt.Errorf("payload kind %q", probe.Kind))
	}
}
