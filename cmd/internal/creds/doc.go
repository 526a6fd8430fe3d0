// Package creds persists the authentication state of protocol sessions.
//
// The state is opaque to sessiond: the protocol engine produces a creds document
// plus a set of named key blobs, and asks for them back when a session resumes.
// Backends: multi-file directories (FileStore), PostgreSQL (PostgresStore),
// Redis hashes (RedisStore) and an in-process map (MemoryStore).
package creds
