package ifrpc

import (
	"fmt"

	"github.com/roach88/ifgate/internal/value"
)

// Protocol constants.
const (
	// DefaultMagic is the shared secret used when none is configured.
	DefaultMagic = "ifrpc-magic-494581011"

	// ProtocolVersion is the envelope version this package speaks. Peers
	// speaking any other version are rejected.
	ProtocolVersion = 3

	// AnyOrigin disables origin checks.
	AnyOrigin = "*"
)

// Envelope operations and directions.
const (
	opCommand = "command"
	opEvent   = "event"

	dirRequest  = "request"
	dirResponse = "response"
)

// Discovery commands every Channel answers.
const (
	CommandGetCommands  = "ifrpc-get-commands"
	CommandGetListeners = "ifrpc-get-listeners"
)

// message is a decoded envelope.
type message struct {
	Magic    string
	Version  int64
	Op       string
	Dir      string
	Name     string
	ID       string
	Args     value.Array
	Success  bool
	Response value.Value
}

// tree renders the envelope as a generic Go tree for the codec. Fields that
// do not apply to the operation are omitted.
func (m message) tree() map[string]any {
	out := map[string]any{
		"magic":   m.Magic,
		"version": m.Version,
		"op":      m.Op,
		"name":    m.Name,
	}
	switch {
	case m.Op == opEvent:
		out["args"] = value.ToGo(argsOrEmpty(m.Args))
	case m.Dir == dirRequest:
		out["dir"] = m.Dir
		out["id"] = m.ID
		out["args"] = value.ToGo(argsOrEmpty(m.Args))
	case m.Dir == dirResponse:
		out["dir"] = m.Dir
		out["id"] = m.ID
		out["success"] = m.Success
		out["response"] = value.ToGo(m.Response)
	}
	return out
}

func argsOrEmpty(args value.Array) value.Array {
	if args == nil {
		return value.Array{}
	}
	return args
}

// parseMessage converts a decoded tree into an envelope. Only the magic
// field is required to be well-formed here; the Channel checks the rest in
// protocol order.
func parseMessage(tree any) (message, error) {
	v, err := value.FromGo(tree)
	if err != nil {
		return message{}, fmt.Errorf("parse message: %w", err)
	}
	obj, ok := v.(value.Object)
	if !ok {
		return message{}, fmt.Errorf("parse message: payload is %T, not an object", v)
	}

	var m message
	m.Magic, _ = value.AsString(obj["magic"])
	if ver, ok := value.AsInt(obj["version"]); ok {
		m.Version = ver
	} else {
		m.Version = -1
	}
	m.Op, _ = value.AsString(obj["op"])
	m.Dir, _ = value.AsString(obj["dir"])
	m.Name, _ = value.AsString(obj["name"])
	m.ID, _ = value.AsString(obj["id"])
	if args, ok := obj["args"].(value.Array); ok {
		m.Args = args
	}
	if success, ok := obj["success"].(value.Bool); ok {
		m.Success = bool(success)
	}
	m.Response = obj["response"]
	if m.Response == nil {
		m.Response = value.Null{}
	}
	return m, nil
}
