package protocol

import "errors"

// ErrorKind classifies failures by how the session must react to them.
type ErrorKind string

const (
	KindNone   ErrorKind = ""
	KindFrame  ErrorKind = "frame"
	KindCipher ErrorKind = "cipher"
	KindIO     ErrorKind = "io"
	KindHook   ErrorKind = "hook"
)

// Error tags an underlying error with its taxonomy kind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind) + " error"
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap tags err with kind. A nil err stays nil.
func Wrap(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) && tagged.Kind == kind {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf reports the outermost taxonomy kind attached to err.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return KindIO
}

// Fatal reports whether err must tear down the session. Hook errors never do.
func Fatal(err error) bool {
	switch KindOf(err) {
	case KindNone, KindHook:
		return false
	default:
		return true
	}
}
