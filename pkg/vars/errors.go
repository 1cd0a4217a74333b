package vars

import (
	"errors"
	"strings"
)

// Sentinel resolution failures. Every error returned by Context.Resolve is a
// *ResolveError wrapping one of these or a cause raised by a user function.
var (
	ErrAbstract       = errors.New("abstract variable must be overridden")
	ErrMissing        = errors.New("missing variable")
	ErrAccessDenied   = errors.New("access denied")
	ErrNoEnvironment  = errors.New("no active environment")
	ErrNoDecrypter    = errors.New("no decrypter configured")
	ErrMarker         = errors.New("append/expand markers resolve only through a cascade")
	ErrCycle          = errors.New("variable references itself")
	ErrInvalidChoice  = errors.New("value is not one of the allowed choices")
	ErrNotACollection = errors.New("value is not a collection")
)

// ResolveError annotates a failure with the chain of variable paths that led
// to it, outermost first.
type ResolveError struct {
	Path []Name
	Err  error
}

func (e *ResolveError) Error() string {
	parts := make([]string, 0, len(e.Path))
	for _, n := range e.Path {
		parts = append(parts, n.String())
	}
	if len(parts) == 0 {
		return e.Err.Error()
	}
	return strings.Join(parts, " -> ") + ": " + e.Err.Error()
}

func (e *ResolveError) Unwrap() error { return e.Err }

// Leaf returns the innermost variable path, or the zero name.
func (e *ResolveError) Leaf() Name {
	if len(e.Path) == 0 {
		return Name{}
	}
	return e.Path[len(e.Path)-1]
}

// annotate prefixes name to the path chain of err.
func annotate(name Name, err error) error {
	if err == nil {
		return nil
	}
	if re, ok := err.(*ResolveError); ok {
		if name.IsZero() || (len(re.Path) > 0 && re.Path[0] == name) {
			return re
		}
		path := make([]Name, 0, len(re.Path)+1)
		path = append(path, name)
		path = append(path, re.Path...)
		return &ResolveError{Path: path, Err: re.Err}
	}
	if name.IsZero() {
		return &ResolveError{Err: err}
	}
	return &ResolveError{Path: []Name{name}, Err: err}
}
