package sessions

import "time"

// Command drives the session state machine.
type Command string

const (
	CommandStart Command = "start"
	CommandPause Command = "pause"
	CommandStop  Command = "stop"
	// CommandComplete and CommandFail are issued by the dispatcher, never by users.
	CommandComplete Command = "complete"
	CommandFail     Command = "fail"
)

var transitions = map[Status]map[Command]Status{
	StatusPending: {
		CommandStart: StatusRunning,
		CommandStop:  StatusCompleted,
	},
	StatusRunning: {
		CommandPause:    StatusPaused,
		CommandStop:     StatusCompleted,
		CommandComplete: StatusCompleted,
		CommandFail:     StatusFailed,
	},
	StatusPaused: {
		CommandStart: StatusRunning,
		CommandStop:  StatusCompleted,
	},
}

// Transition returns the status reached by applying cmd in from. Every pair
// not listed above is rejected with a *TransitionError.
func Transition(from Status, cmd Command) (Status, error) {
	if next, ok := transitions[from][cmd]; ok {
		return next, nil
	}
	return from, &TransitionError{From: from, Command: cmd}
}

// apply moves s through cmd and stamps the timing fields. s is unchanged on error.
func (s *Session) apply(cmd Command, now time.Time, reason string) error {
	next, err := Transition(s.Status, cmd)
	if err != nil {
		return err
	}
	now = now.UTC()
	switch next {
	case StatusRunning:
		if s.StartedAt == nil {
			s.StartedAt = &now
		}
		s.ErrorMessage = ""
	case StatusCompleted:
		s.StoppedEarly = cmd == CommandStop
		s.CompletedAt = &now
	case StatusFailed:
		s.ErrorMessage = reason
		s.CompletedAt = &now
	}
	s.Status = next
	s.UpdatedAt = now
	return nil
}
