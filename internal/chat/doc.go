// Package chat implements the room broadcaster: one Session per WebSocket
// connection and a per-process Hub tracking live sessions.
//
// A Session joins the broker group of its room before the WebSocket handshake
// completes, relays every inbound text frame to that group and writes every
// envelope the broker delivers back to its client, the sender included.
// Fan-out is the broker's job; the Hub only enforces room capacity and closes
// sessions on shutdown.
package chat
