// Package realtime streams session events to websocket subscribers and archives
// incoming messages so clients can page through what they missed.
//
// A Relay subscribes to the supervisor's event bus. Every event is wrapped into a
// v1 envelope and fanned out to the Room of its session; MessageReceived events are
// appended to a MessageStore first so the envelope carries the archive seq.
package realtime
