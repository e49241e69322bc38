package drone

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed session.
type ErrorKind string

const (
	LinkFailure    ErrorKind = "link_failure"
	PatternTimeout ErrorKind = "pattern_timeout"
	LandingTimeout ErrorKind = "landing_timeout"
)

var ErrSessionUsed = errors.New("drone: session already run")

// SessionError is returned by Session.Run for every Failed outcome.
type SessionError struct {
	Kind ErrorKind
	Err  error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return "drone session: " + string(e.Kind)
	}
	return fmt.Sprintf("drone session: %s: %v", e.Kind, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// Fatal reports whether the drone's physical state is unknown.
func (e *SessionError) Fatal() bool { return e.Kind == LandingTimeout }

// KindOf returns the session error kind of err, or "" when err is not a SessionError.
func KindOf(err error) ErrorKind {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsFatal reports whether err is a LandingTimeout.
func IsFatal(err error) bool { return KindOf(err) == LandingTimeout }
