// Package bridge adapts an out-of-process protocol engine, reachable over websocket, to
// socket.Socket.
//
// One websocket connection carries one socket generation. Frames are JSON objects:
//
//	client -> engine  {"type":"start"|"pairing_code"|"download_media"|"logout", "id":..., "data":{...}}
//	engine -> client  {"type":"event", "event":"connection.update", "data":{...}}
//	                  {"type":"response", "id":..., "data":{...}} or {..., "error":{"code","message"}}
//
// Events are buffered in an unbounded FIFO between the websocket reader and Events(), so
// request/response correlation never waits on the consumer.
package bridge
