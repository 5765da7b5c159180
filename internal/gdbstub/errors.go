package gdbstub

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection means the debug stub could not be reached or the
	// debugger process went away.
	ErrConnection = errors.New("debug stub connection error")

	// ErrTimeout means a pattern search ran past its deadline
	ErrTimeout = errors.New("debug stub request timed out")

	// ErrParse means a reply did not carry the expected payload
	ErrParse = errors.New("malformed debug stub reply")
)

// CommandError is an error reply from the debugger for one command. Reads
// report it as the Cause of a ParseError. Writes return it as is.
type CommandError struct {
	Command string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q failed: %s", e.Command, e.Message)
}

// ParseError describes a reply that could not be decoded
type ParseError struct {
	Command string
	Reply   []string
	Reason  string
	// Cause is the debugger's rejection, if the reply was an error
	Cause error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse reply to %q: %s (reply: %q)", e.Command, e.Reason, e.Reply)
}

func (e *ParseError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrParse}
	}
	return []error{ErrParse, e.Cause}
}
