// Package server implements the HTTP and WebSocket delivery layer for the
// roomchat service.
//
// The implementation is organized into specialized files for configuration,
// hub management, clients, routing, and HTTP handlers. The room semantics
// themselves live in internal/chat; this package only moves frames between
// sockets and the engine.
package server
