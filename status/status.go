// Package status defines the status codes reported by every backend and
// wrapper operation. A zero Code means success.
package status

import "fmt"

// Code is the result of a single operation. Operations never panic on bad
// input; they return a sentinel value and a non-OK Code instead.
type Code int32

const (
	OK Code = 0

	PropertyWriteFailed  Code = 2000
	InvalidHandle        Code = -2000
	WrongHandleSubtype   Code = -2001
	InvalidProperty      Code = -2002
	WrongPropertyType    Code = -2003
	PropertyReadOnly     Code = -2004
	SourceIsDisconnected Code = -2005
	EmptyValue           Code = -2006
	BadURL               Code = -2007
	ReadFailed           Code = -2008
	Timeout              Code = -2009
	UnsupportedMode      Code = -2010
	ResourceUnavailable  Code = -2011
	PropertyDoesNotExist Code = -2012
	Closed               Code = -2013
)

var names = map[Code]string{
	OK:                   "ok",
	PropertyWriteFailed:  "property write failed",
	InvalidHandle:        "invalid handle",
	WrongHandleSubtype:   "wrong handle subtype",
	InvalidProperty:      "invalid property",
	WrongPropertyType:    "wrong property type",
	PropertyReadOnly:     "property is read-only",
	SourceIsDisconnected: "source is disconnected",
	EmptyValue:           "empty value",
	BadURL:               "bad url",
	ReadFailed:           "read failed",
	Timeout:              "timeout",
	UnsupportedMode:      "unsupported mode",
	ResourceUnavailable:  "resource unavailable",
	PropertyDoesNotExist: "property does not exist",
	Closed:               "backend closed",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int32(c))
}

// IsOK reports whether c is OK.
func (c Code) IsOK() bool {
	return c == OK
}

// Err converts c into an error, returning nil for OK.
func (c Code) Err() error {
	if c == OK {
		return nil
	}
	return &Error{Code: c}
}

// Error carries a non-OK Code through APIs that speak error.
type Error struct {
	Code Code
	Op   string
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %v (%d)", e.Op, e.Code, int32(e.Code))
	}
	return fmt.Sprintf("%v (%d)", e.Code, int32(e.Code))
}

// Is matches any *Error with the same Code, so errors.Is(err,
// status.InvalidHandle.Err()) works regardless of Op.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Wrap is like Err but records the operation name.
func Wrap(op string, c Code) error {
	if c == OK {
		return nil
	}
	return &Error{Code: c, Op: op}
}

// Of extracts the Code from err. nil maps to OK, foreign errors to ReadFailed.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ReadFailed
}
