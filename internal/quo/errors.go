package quo

import (
	"errors"
	"fmt"

	"quo/internal/hwloc"
	"quo/internal/noderank"
)

// Code classifies an Error.
type Code int

const (
	CodeGeneric Code = iota
	CodeInvalidArgument
	CodeNotInitialized
	// CodeOutOfResources is reserved. No operation reports it today; it holds
	// its place so that the numeric codes stay stable for callers.
	CodeOutOfResources
	CodeCollaborator
)

func (c Code) String() string {
	switch c {
	case CodeGeneric:
		return "error"
	case CodeInvalidArgument:
		return "invalid argument"
	case CodeNotInitialized:
		return "not initialized"
	case CodeOutOfResources:
		return "out of resources"
	case CodeCollaborator:
		return "collaborator failure"
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Sentinels for errors.Is. Every *Error matches the sentinel of its Code.
var (
	ErrGeneric         = errors.New("error")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotInitialized  = errors.New("called before init")
	ErrOutOfResources  = errors.New("out of resources") // reserved, see CodeOutOfResources
	ErrCollaborator    = errors.New("collaborator failure")
)

var sentinels = map[Code]error{
	CodeGeneric:         ErrGeneric,
	CodeInvalidArgument: ErrInvalidArgument,
	CodeNotInitialized:  ErrNotInitialized,
	CodeOutOfResources:  ErrOutOfResources,
	CodeCollaborator:    ErrCollaborator,
}

// Error is returned by every Context operation.
type Error struct {
	Op   string
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("quo: %s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("quo: %s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return sentinels[e.Code] == target
}

// CodeOf returns the Code carried by err, or CodeGeneric.
func CodeOf(err error) Code {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Code
	}
	return CodeGeneric
}

func newError(op string, code Code, err error) *Error {
	return &Error{Op: op, Code: code, Err: err}
}

// collaboratorError classifies an error coming out of the topology handle
// or the resolver. Bad object addresses and node ranks are caller mistakes.
func collaboratorError(op string, err error) error {
	if err == nil {
		return nil
	}
	var qe *Error
	if errors.As(err, &qe) {
		return err
	}
	if errors.Is(err, hwloc.ErrInvalidObject) || errors.Is(err, noderank.ErrRankOutOfRange) {
		return newError(op, CodeInvalidArgument, err)
	}
	return newError(op, CodeCollaborator, err)
}
