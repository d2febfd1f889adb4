// Package wsframe carries ifrpc messages between processes over websockets.
//
// A Conn is the ifrpc.Frame of the remote side: posting to it writes a
// websocket message, and every message read from the socket is delivered to
// the local Window with the Conn as its source. Server accepts connections
// and gives each one its own Window; Dial connects to a Server.
package wsframe
