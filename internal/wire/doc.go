// Package wire implements the Socket.IO v4 framing used on the live channel,
// carried over Engine.IO v4 WebSocket frames, plus the topic naming
// convention and typed payload decoding at the channel boundary.
//
// Frames handled:
//   - Engine.IO: open (0), close (1), ping (2), pong (3), message (4), noop (6)
//   - Socket.IO inside message frames: CONNECT (0), DISCONNECT (1),
//     EVENT (2), ACK (3), CONNECT_ERROR (4)
//
// Binary attachments are not supported; frames announcing them fail to decode.
package wire
