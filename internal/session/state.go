package session

import (
	"errors"
	"fmt"
	"time"

	"posologicos-backend/internal/models"
	"posologicos-backend/internal/services"
)

type Phase string

const (
	PhaseEnteringPin      Phase = "entering_pin"
	PhaseResolvingRoom    Phase = "resolving_room"
	PhaseRoomNotFound     Phase = "room_not_found"
	PhaseRoomExpired      Phase = "room_expired"
	PhaseEnteringIdentity Phase = "entering_identity"
	PhaseActive           Phase = "active"
	PhaseClosed           Phase = "closed"
)

var ErrInvalidTransition = errors.New("invalid session transition")

// State is everything a participant session knows, apart from its message
// timeline and presence count. AgentExpired and AgentMissing are the
// sub-states of Active that disable submission.
type State struct {
	Phase          Phase
	Pin            string
	Room           *models.Room
	Name           string
	Email          string
	AgentExpired   bool
	AgentMissing   bool
	Sending        bool
	Pending        string
	RetryAvailable bool
	LastError      string
}

// CanSend reports whether a new submission would be accepted.
func (s State) CanSend() bool {
	return s.Phase == PhaseActive && !s.Sending && !s.AgentExpired && !s.AgentMissing
}

type Event interface {
	event()
}

type (
	PinSubmitted struct{ Pin string }

	RoomResolved struct {
		Room models.Room
		Now  time.Time
	}

	RoomMissing struct{}

	RoomWasExpired struct{}

	IdentitySubmitted struct{ Name, Email string }

	// ClockTick re-evaluates both expiry clocks against Now.
	ClockTick struct{ Now time.Time }

	SendStarted struct{ Text string }

	SendFinished struct{}

	// SendFailed ends a submission with an error. Keep is set when the user
	// text was never recorded and must be offered for retry.
	SendFailed struct {
		Text string
		Kind string
		Keep bool
	}

	Closed struct{}
)

func (PinSubmitted) event()      {}
func (RoomResolved) event()      {}
func (RoomMissing) event()       {}
func (RoomWasExpired) event()    {}
func (IdentitySubmitted) event() {}
func (ClockTick) event()         {}
func (SendStarted) event()       {}
func (SendFinished) event()      {}
func (SendFailed) event()        {}
func (Closed) event()            {}

// Reduce is the only place session transitions happen. It performs no I/O.
func Reduce(s State, ev Event) (State, error) {
	if _, ok := ev.(Closed); ok {
		return State{Phase: PhaseClosed}, nil
	}
	if s.Phase == PhaseClosed {
		return s, invalid(s, ev)
	}

	switch e := ev.(type) {
	case PinSubmitted:
		switch s.Phase {
		case PhaseEnteringPin, PhaseRoomNotFound, PhaseRoomExpired, PhaseEnteringIdentity, PhaseActive:
		default:
			return s, invalid(s, ev)
		}
		if s.Sending {
			return s, services.ErrBusy
		}
		return State{Phase: PhaseResolvingRoom, Pin: e.Pin}, nil

	case RoomResolved:
		if s.Phase != PhaseResolvingRoom {
			return s, invalid(s, ev)
		}
		if e.Room.RoomExpired(e.Now) {
			return State{Phase: PhaseRoomExpired, Pin: s.Pin}, nil
		}
		room := e.Room
		next := State{Phase: PhaseEnteringIdentity, Pin: s.Pin, Room: &room}
		return applyClock(next, e.Now), nil

	case RoomMissing:
		if s.Phase != PhaseResolvingRoom {
			return s, invalid(s, ev)
		}
		return State{Phase: PhaseRoomNotFound, Pin: s.Pin}, nil

	case RoomWasExpired:
		if s.Phase != PhaseResolvingRoom {
			return s, invalid(s, ev)
		}
		return State{Phase: PhaseRoomExpired, Pin: s.Pin}, nil

	case IdentitySubmitted:
		if s.Phase != PhaseEnteringIdentity {
			return s, invalid(s, ev)
		}
		if e.Name == "" || e.Email == "" {
			return s, services.ErrInvalidIdentity
		}
		s.Phase = PhaseActive
		s.Name = e.Name
		s.Email = e.Email
		return s, nil

	case ClockTick:
		if s.Phase != PhaseActive && s.Phase != PhaseEnteringIdentity {
			return s, nil
		}
		if s.Room != nil && s.Room.RoomExpired(e.Now) && !s.Sending {
			return State{Phase: PhaseRoomExpired, Pin: s.Pin}, nil
		}
		return applyClock(s, e.Now), nil

	case SendStarted:
		if s.Phase != PhaseActive {
			return s, invalid(s, ev)
		}
		if s.Sending {
			return s, services.ErrBusy
		}
		if s.AgentExpired || s.AgentMissing {
			return s, services.ErrAgentExpired
		}
		if e.Text == "" {
			return s, services.ErrEmptyMessage
		}
		s.Sending = true
		s.Pending = ""
		s.RetryAvailable = false
		s.LastError = ""
		return s, nil

	case SendFinished:
		if s.Phase != PhaseActive || !s.Sending {
			return s, invalid(s, ev)
		}
		s.Sending = false
		return s, nil

	case SendFailed:
		if s.Phase != PhaseActive || !s.Sending {
			return s, invalid(s, ev)
		}
		s.Sending = false
		s.LastError = e.Kind
		if e.Keep {
			s.Pending = e.Text
			s.RetryAvailable = true
		}
		return s, nil
	}

	return s, invalid(s, ev)
}

func applyClock(s State, now time.Time) State {
	if s.Room == nil {
		return s
	}
	s.AgentMissing = !s.Room.HasAgent()
	s.AgentExpired = s.Room.AgentExpired(now)
	return s
}

func invalid(s State, ev Event) error {
	return fmt.Errorf("%w: %T in %s", ErrInvalidTransition, ev, s.Phase)
}
