package imapserver

import (
	"errors"
	"fmt"
)

// xcheckf panics with a server error (tagged NO with SERVERBUG) for
// unexpected failures, e.g. from the store.
func xcheckf(err error, format string, args ...any) {
	if err != nil {
		xserverErrorf("%s: %w", fmt.Sprintf(format, args...), err)
	}
}

// userError is raised for failures the client caused or can resolve,
// resulting in a tagged NO.
type userError struct {
	code string // Optional response code in brackets.
	err  error
}

func (e userError) Error() string { return e.err.Error() }
func (e userError) Unwrap() error { return e.err }

func xuserErrorf(format string, args ...any) {
	panic(userError{err: fmt.Errorf(format, args...)})
}

func xusercodeErrorf(code, format string, args ...any) {
	panic(userError{code: code, err: fmt.Errorf(format, args...)})
}

// serverError is raised for failures on our side: storage errors,
// inconsistent state. Results in a tagged NO with SERVERBUG.
type serverError struct{ err error }

func (e serverError) Error() string { return e.err.Error() }
func (e serverError) Unwrap() error { return e.err }

func xserverErrorf(format string, args ...any) {
	panic(serverError{fmt.Errorf(format, args...)})
}

// syntaxError is raised for protocol violations, resulting in a tagged BAD.
type syntaxError struct {
	line   string // Optional line to write before the BAD result, as untagged response. CRLF is added.
	code   string // Optional result code (between []) in the BAD result.
	errmsg string // BAD response message.
	err    error  // Typically with the same info as errmsg, sometimes more.
}

func (e syntaxError) Error() string {
	s := "bad syntax: " + e.errmsg
	if e.code != "" {
		s += " [" + e.code + "]"
	}
	return s
}
func (e syntaxError) Unwrap() error { return e.err }

func xsyntaxErrorf(format string, args ...any) {
	errmsg := fmt.Sprintf(format, args...)
	err := errors.New(errmsg)
	panic(syntaxError{"", "", errmsg, err})
}

func xsyntaxCodeErrorf(code, format string, args ...any) {
	errmsg := fmt.Sprintf(format, args...)
	err := errors.New(errmsg)
	panic(syntaxError{"", code, errmsg, err})
}
