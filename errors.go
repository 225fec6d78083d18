package datasource

import (
	"errors"
	"fmt"
)

// InvalidTransitionError is returned when a lifecycle request arrives while
// the source is not in the state that request must originate from. The
// source's state is unchanged.
type InvalidTransitionError struct {
	Op   string      // the requested operation, e.g. "start-stream"
	From SourceState // the state the request requires
	Have SourceState // the state the source is actually in
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("can only %s from the '%s' state (source is '%s')", e.Op, e.From, e.Have)
}

// ValidationError is returned when a parameter value lies outside its
// allowed domain. The source's state is unchanged.
type ValidationError struct {
	Param string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Param == "" {
		return e.Msg
	}
	return fmt.Sprintf("parameter %q: %s", e.Param, e.Msg)
}

// ProtocolError indicates a malformed or error-flagged reply, a short read,
// or a bounded wait that expired. Session-scoped: the source tears itself
// down to the Invalid state and reports through its notification channel.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return e.Msg }

// ConnectionError indicates the remote endpoint could not be reached. It
// fails the triggering request only.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("could not connect to %s: %s", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ResourceMissingError indicates an external file or lookup table required
// by an operation is absent. Fatal to that operation.
type ResourceMissingError struct {
	Resource string
}

func (e *ResourceMissingError) Error() string {
	return fmt.Sprintf("required resource %q is missing", e.Resource)
}

// IsRequestScoped reports whether err fails only the request that caused it,
// as opposed to session-scoped errors that force a teardown.
func IsRequestScoped(err error) bool {
	var it *InvalidTransitionError
	var ve *ValidationError
	var ce *ConnectionError
	return errors.As(err, &it) || errors.As(err, &ve) || errors.As(err, &ce)
}
