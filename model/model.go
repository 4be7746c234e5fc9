package model

import "github.com/tiltlink/tiltlink/envelope"

// ControlSample is a calibrated orientation reading in degrees.
// Yaw wraps into (-180, 180], pitch and roll do not wrap.
type ControlSample struct {
	Yaw        float64
	Pitch      float64
	Roll       float64
	CapturedAt int64 // unix milliseconds
}

// Wire is a pair of envelope channels connecting one websocket session
// to the relay service. RX carries client->server traffic, TX carries
// server->client traffic.
type Wire struct {
	RX chan envelope.Envelope
	TX chan envelope.Envelope
}

func NewWire() Wire {
	return Wire{
		RX: make(chan envelope.Envelope),
		TX: make(chan envelope.Envelope),
	}
}
