// Package refresh periodically re-requests cached snapshots.
//
// Push events keep caches current while the channel is up, but the wire
// carries no sequence numbers, so an event lost to a half-open socket goes
// unnoticed until the next reconnect. The refresher:
//   - Re-runs every target's snapshot on a fixed interval
//   - Skips cycles while the channel is down
//   - Bounds concurrent requests
package refresh
