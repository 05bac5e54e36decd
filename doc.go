// Package cxp implements the engine side of the Context Exchange Protocol
// (CXP), a JSON-RPC 2.0 based protocol connecting LLM host applications to
// context providers that expose tools.
//
// The package covers the full connection lifecycle: newline-delimited
// framing over byte streams, capability negotiation, schema validation of
// tool arguments, request correlation, and graceful shutdown. Transports are
// pluggable; stdio, Server-Sent Events, and WebSocket implementations are
// included.
package cxp
