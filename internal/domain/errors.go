package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNoRootWebApp is returned when a site has no web app mounted at "".
	ErrNoRootWebApp = errors.New("site has no root web app")
	// ErrUnsafeName is returned for identifiers that cannot be used as file names.
	ErrUnsafeName = errors.New("unsafe identifier")
	// ErrUnknownBind is returned when a virtual host references a bind no instance owns.
	ErrUnknownBind = errors.New("unknown bind")
	// ErrMissingAccount is returned when a required system user or group does not exist.
	ErrMissingAccount = errors.New("missing system account")
	// ErrReservedName is returned for names that would share files or
	// directories with something the agent or the distribution owns.
	ErrReservedName = errors.New("reserved name")
)

// InvariantError is a configuration-invariant violation. It is fatal to the
// current pass only.
type InvariantError struct {
	Entity string // "site", "instance", "virtualhost", "bind"
	Name   string
	Err    error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Entity, e.Name, e.Err)
}

func (e *InvariantError) Unwrap() error { return e.Err }

func invariant(entity, name string, err error) error {
	return &InvariantError{Entity: entity, Name: name, Err: err}
}

// IsInvariant reports whether err is a configuration-invariant violation.
func IsInvariant(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}
