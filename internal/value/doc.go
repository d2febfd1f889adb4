// Package value provides the structured value model shared by the RPC channel
// and the record store.
//
// Every argument, response, record and key that crosses a Channel is a Value.
// The set of concrete types is closed (Null, String, Int, Float, Bool, Array,
// Object) so callers can switch exhaustively.
//
// Key design constraints:
//   - Object keys serialize in UTF-16 code unit order so encodings are stable
//   - Int and Float compare as numbers; the distinction only affects encoding
//   - Only numbers, strings and arrays of those are valid store keys
//
// This package imports nothing internal.
package value
