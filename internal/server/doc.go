// Package server implements one chat worker: the WebSocket transport, the
// local hub and the session service.
//
// The implementation is organized into specialized files for the hub, clients,
// transport recovery, routing, and HTTP handlers. Everything shared between
// workers lives behind the message log, registry and bus collaborators.
package server
