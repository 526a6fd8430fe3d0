// Package socket describes the protocol engine sessiond drives.
//
// The engine owns the handshake, encryption, framing and media transport. sessiond only
// consumes its event stream and issues a handful of requests (pairing code, media download,
// logout). Concrete engines live in subpackages: bridge talks to an out-of-process engine
// over websocket and sockettest is a scriptable fake.
package socket
