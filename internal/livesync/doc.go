// Package livesync wires the connection manager, request bridge, entity
// caches and message windows into one client.
//
// Caches and windows are created on first use. Every time the channel comes
// up the client rebinds each of them to the new channel and re-requests its
// snapshot or newest page, so consumers only ever read local state and
// follow change streams. Logout (explicit or forced by the server) tears the
// channel down and empties every cache and window.
package livesync
