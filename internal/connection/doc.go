// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns the single Socket.IO channel to the server (one Socket per
//     channel instance, Engine.IO v4 over WebSocket)
//   - Retries failed or dropped connections forever with a fixed delay plus
//     jitter, until Disconnect or an unsupported transport
//   - Publishes connectivity as a stream of booleans
//   - Builds a fresh topic multiplexer per channel and closes it when the
//     channel goes away, so no listener outlives its channel
//   - Treats an unauthorized exception from the server as session
//     invalidation: tear down, no retry, notify the credential source
package connection
