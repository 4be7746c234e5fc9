// Package session holds the client-side state sampled by the render
// loop: the latest control sample, the latest discrete action, and the
// connection status. All reads are single atomic loads, safe to call
// every rendered frame; all writes come from the transport's message
// handler and overwrite completely (last write wins, no merge).
package session

import (
	"sync/atomic"

	"github.com/tiltlink/tiltlink/model"
)

// Status of the underlying relay connection. Transient errors resolve
// to StatusDisconnected; there is no terminal error state.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Action is a received discrete action plus its store-assigned sequence
// token. Consumers detect a new action by comparing Seq against their
// last-seen value; the store never clears the slot itself, which keeps
// consumption race-free under arbitrary polling frequency.
type Action struct {
	ID  string
	Seq uint64
}

// Store is a set of last-write-wins registers. Zero value is ready to
// use: no sample, no action, status disconnected.
type Store struct {
	sample atomic.Pointer[model.ControlSample]
	action atomic.Pointer[Action]
	seq    atomic.Uint64
	status atomic.Int32
	room   atomic.Pointer[string]
}

// LatestControlSample returns the most recent sample. ok is false until
// the first orientation payload arrives; absence is a normal state
// distinct from a valid zero sample.
func (s *Store) LatestControlSample() (model.ControlSample, bool) {
	p := s.sample.Load()
	if p == nil {
		return model.ControlSample{}, false
	}
	return *p, true
}

func (s *Store) SetControlSample(sample model.ControlSample) {
	s.sample.Store(&sample)
}

// LatestDiscreteAction returns the most recent action and its sequence
// token. ok is false until the first action arrives. Two identical
// presses in a row yield two distinct tokens.
func (s *Store) LatestDiscreteAction() (Action, bool) {
	p := s.action.Load()
	if p == nil {
		return Action{}, false
	}
	return *p, true
}

func (s *Store) SetDiscreteAction(id string) {
	s.action.Store(&Action{ID: id, Seq: s.seq.Add(1)})
}

func (s *Store) Status() Status {
	return Status(s.status.Load())
}

func (s *Store) SetStatus(st Status) {
	s.status.Store(int32(st))
}

// Room returns the room token this session is attached to, empty until
// the transport connects.
func (s *Store) Room() string {
	p := s.room.Load()
	if p == nil {
		return ""
	}
	return *p
}

func (s *Store) SetRoom(room string) {
	s.room.Store(&room)
}
