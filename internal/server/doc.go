// Package server exposes the chat broadcaster over HTTP using Echo.
//
// Routes: chat WebSocket (/ws/chat/:room), room status (/api/rooms/:room),
// health probes, version and Prometheus metrics.
package server
