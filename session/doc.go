// Package session implements the per-endpoint session layer of the MTProto
// client: it assigns message identifiers and sequence numbers to outgoing
// requests, tracks acknowledgment and response state, deduplicates and bounds
// replay of inbound message ids, drives retry and resend after transport
// disruption, and manages rotation of the session's auth key.
//
// A Controller owns one Connection (the transport, supplied by the caller)
// and one SessionData (the concurrency-safe session state). The owning
// orchestrator submits requests through Controller.Send, drains completed
// responses and updates through Controller.DispatchReceived, and observes
// session events through the registered notification handlers.
package session
