package ifrpc

import (
	"errors"
	"fmt"

	"github.com/roach88/ifgate/internal/value"
)

// Protocol and registration errors.
var (
	// ErrDuplicateCommand is returned when a command name already has a handler.
	ErrDuplicateCommand = errors.New("command handler already added")

	// ErrUnknownRequest marks a response whose correlation ID has no pending
	// request: a duplicate, spurious or late response.
	ErrUnknownRequest = errors.New("invalid request ID")

	// ErrMissingDirection marks a command message without a valid dir field.
	ErrMissingDirection = errors.New("command direction missing")

	// ErrInvalidOperation marks a message whose op is neither command nor event.
	ErrInvalidOperation = errors.New("invalid ifrpc operation")

	// ErrClosed is returned by operations on a closed Channel or Window.
	ErrClosed = errors.New("ifrpc: closed")

	// ErrNilFrame is returned when a Channel is constructed without a frame.
	ErrNilFrame = errors.New("ifrpc: nil frame")
)

// Field names reserved by the error record wire form.
const (
	fieldName    = "name"
	fieldMessage = "message"
	fieldStack   = "stack"
)

// ErrorRecord is the serializable form of an error sent across a Channel.
//
// Name and Message are always present on the wire; Stack is best-effort.
// Extra carries any additional fields the error exposed, for programmatic
// inspection by the receiver.
type ErrorRecord struct {
	Name    string
	Message string
	Stack   string
	Extra   map[string]value.Value
}

// Named is implemented by errors that carry an error class name, such as
// "ConstraintError". The name survives serialization.
type Named interface {
	ErrorName() string
}

// Detailed is implemented by errors that expose extra fields for their
// serialized record.
type Detailed interface {
	ErrorDetails() map[string]any
}

// RecordFromError builds the wire record for err.
//
// A *RemoteError forwards its record unchanged. Otherwise the name comes from
// the first Named error in the chain (default "Error") and extra fields from
// the first Detailed error.
func RecordFromError(err error) ErrorRecord {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Record
	}

	rec := ErrorRecord{Name: "Error", Message: err.Error()}

	var named Named
	if errors.As(err, &named) {
		rec.Name = named.ErrorName()
	}

	var detailed Detailed
	if errors.As(err, &detailed) {
		for k, raw := range detailed.ErrorDetails() {
			v, convErr := value.FromGo(raw)
			if convErr != nil {
				continue
			}
			if rec.Extra == nil {
				rec.Extra = make(map[string]value.Value)
			}
			rec.Extra[k] = v
		}
	}
	return rec
}

// Value returns the wire form: name, message and stack plus every extra
// field that does not collide with them.
func (r ErrorRecord) Value() value.Object {
	obj := value.Object{
		fieldName:    value.String(r.Name),
		fieldMessage: value.String(r.Message),
		fieldStack:   value.String(r.Stack),
	}
	for k, v := range r.Extra {
		if _, reserved := obj[k]; reserved {
			continue
		}
		obj[k] = v
	}
	return obj
}

// RecordFromValue reconstructs a record from its wire form. Non-object
// payloads produce a record whose message is the payload's JSON text.
func RecordFromValue(v value.Value) ErrorRecord {
	obj, ok := v.(value.Object)
	if !ok {
		data, _ := value.Marshal(v)
		return ErrorRecord{Name: "Error", Message: string(data)}
	}

	var rec ErrorRecord
	for k, field := range obj {
		switch k {
		case fieldName:
			rec.Name, _ = value.AsString(field)
		case fieldMessage:
			rec.Message, _ = value.AsString(field)
		case fieldStack:
			rec.Stack, _ = value.AsString(field)
		default:
			if rec.Extra == nil {
				rec.Extra = make(map[string]value.Value)
			}
			rec.Extra[k] = field
		}
	}
	return rec
}

// RemoteError is a failure reported by the peer's command handler.
//
// It carries the received record verbatim. The original error type is not
// reconstructed.
type RemoteError struct {
	Record ErrorRecord
}

// Error implements error.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("Remote error: <%s: %s>", e.Record.Name, e.Record.Message)
}

// ErrorName returns the remote error's class name.
func (e *RemoteError) ErrorName() string {
	return e.Record.Name
}

// IsRemoteError returns true if err is or wraps a *RemoteError.
func IsRemoteError(err error) bool {
	var remote *RemoteError
	return errors.As(err, &remote)
}

// RemoteErrorName returns the remote class name when err wraps a
// *RemoteError, or "".
func RemoteErrorName(err error) string {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Record.Name
	}
	return ""
}

// commandNotFound is what an unknown command name produces, named after the
// ReferenceError a browser peer raises for the same condition.
type commandNotFound struct {
	name string
}

func (e *commandNotFound) Error() string     { return "Invalid Command: " + e.name }
func (e *commandNotFound) ErrorName() string { return "ReferenceError" }
