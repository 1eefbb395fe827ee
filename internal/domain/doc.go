// Package domain defines the core domain types and interfaces.
//
// Rooms, group names, connection IDs and the envelopes exchanged between the chat
// session, the group broker and the client. No implementation code - just contracts.
// Broker and Member live here so chat, broker and redis never import each other.
package domain
