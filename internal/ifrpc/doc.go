// Package ifrpc implements a request/response and event channel between two
// execution contexts that can only exchange postMessage-style messages.
//
// A Frame is anything that accepts posted messages. Window is the in-process
// implementation: every Window runs a single event loop that hands each
// inbound MessageEvent to the Channels registered on the Window's Registry.
// Every Channel validates the event independently (source, origin, trusted
// frame, magic, version) before dispatching it as a command request, a
// command response or an event.
//
// Wire envelope (JSON or CBOR, see internal/codec):
//
//	{magic, version, op: "command"|"event",
//	 dir: "request"|"response", name, id,
//	 args: [...],              // request and event
//	 success, response}        // response
//
// Thread-safety model:
//   - The Window loop only validates and routes. It never runs user code.
//   - Command handlers run on their own goroutine, so a handler may invoke
//     commands on the peer and wait for the answer.
//   - Event listeners run on one dispatch goroutine per Channel, in
//     registration order, one event at a time.
package ifrpc
