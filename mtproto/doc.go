// Package mtproto provides the core building blocks shared by the MTProto
// client packages: the 4-byte-word serialized message buffer and its envelope
// codec, message id and request id generation, the request model with its
// response/failure callbacks, typed RPC errors, the shared auth key, and a
// task manager for goroutine lifecycle.
//
// The session state machine that uses these building blocks lives in the
// session package.
package mtproto
