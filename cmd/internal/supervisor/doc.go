// Package supervisor runs messaging sessions on top of a socket engine.
//
// A Supervisor owns the registry of live sessions. Each session carries its own
// state machine (connecting, open, reconnecting(attempt), closed) next to the socket
// handle, so the registry and the retry bookkeeping are one value. Transient
// disconnects are retried up to Config.MaxRetries times with backoff; a logout or an
// exhausted retry budget tears the session down and deletes its stored credentials.
//
// Events are published on an events.Bus and, per session, to the StartOptions callbacks.
// Both run on the session's goroutine; a callback must not call Close.
package supervisor
