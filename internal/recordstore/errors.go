package recordstore

import (
	"errors"
	"fmt"
)

// ErrorName classifies store errors. The names match the exception names a
// browser object store raises, so they stay meaningful after crossing a
// channel.
type ErrorName string

const (
	// ConstraintError: duplicate primary key or unique index violation.
	ConstraintError ErrorName = "ConstraintError"
	// DataError: invalid key, key range or record shape.
	DataError ErrorName = "DataError"
	// NotFoundError: unknown collection or index.
	NotFoundError ErrorName = "NotFoundError"
	// VersionError: requested version lower than the stored one.
	VersionError ErrorName = "VersionError"
	// InvalidStateError: operation on a closed database or finished cursor,
	// or schema change outside an upgrade.
	InvalidStateError ErrorName = "InvalidStateError"
	// ReadOnlyError: write inside a read-only transaction.
	ReadOnlyError ErrorName = "ReadOnlyError"
	// AbortError: upgrade or open aborted.
	AbortError ErrorName = "AbortError"
	// UnknownError: failure of the underlying database.
	UnknownError ErrorName = "UnknownError"
)

// Error is a classified store error.
type Error struct {
	Name    ErrorName
	Message string
	Err     error
}

func newError(name ErrorName, format string, args ...any) *Error {
	return &Error{Name: name, Message: fmt.Sprintf(format, args...)}
}

func wrapError(name ErrorName, err error, format string, args ...any) *Error {
	return &Error{Name: name, Message: fmt.Sprintf(format, args...), Err: err}
}

// Error implements error.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Name, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// ErrorName returns the error class name.
func (e *Error) ErrorName() string { return string(e.Name) }

// Is matches another *Error by name, so errors.Is(err, &Error{Name: DataError})
// works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Message == "" && t.Name == e.Name
}

// NameOf returns the ErrorName of err, or "" if err is not a store error.
func NameOf(err error) ErrorName {
	var se *Error
	if errors.As(err, &se) {
		return se.Name
	}
	return ""
}

// IsConstraint returns true if err is a ConstraintError.
func IsConstraint(err error) bool { return NameOf(err) == ConstraintError }

// IsData returns true if err is a DataError.
func IsData(err error) bool { return NameOf(err) == DataError }

// IsNotFound returns true if err is a NotFoundError.
func IsNotFound(err error) bool { return NameOf(err) == NotFoundError }

// IsVersion returns true if err is a VersionError.
func IsVersion(err error) bool { return NameOf(err) == VersionError }
