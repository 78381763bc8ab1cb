// Package session records live transport sessions in Redis. Each record
// maps a session to its authenticated user and the server instance holding
// the connection, giving operators cross-instance visibility and letting
// tooling answer "where is this user connected" without touching the relay.
package session
