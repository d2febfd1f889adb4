// Package client is the embedding facade for a messenger frame.
//
// A Client waits for the frame's init event, sends it the configure
// command with the auth and display options, then attaches the listeners
// registered so far and reports ready. With a record factory it also serves
// a db-gateway on the same Channel.
package client
