// Package events is the typed publish/subscribe bus for session lifecycle and message events.
//
// Every kind may have any number of subscribers. Publish delivers synchronously, in
// subscription order, on the publishing goroutine; a listener that panics is recovered
// and logged and the remaining listeners still run.
package events
