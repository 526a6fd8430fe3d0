// Package api exposes the session lifecycle over HTTP JSON:
//
//	GET    /sessions        list registered sessions
//	POST   /sessions        start a session (QR or pairing code)
//	GET    /sessions/{id}   status of one session
//	DELETE /sessions/{id}   log out and delete a session with its credentials
//
// Errors are returned as {"error":{"code":"...","message":"..."}}.
package api
