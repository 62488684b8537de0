// Package cache implements the per-entity reactive caches.
//
// A Cache holds id -> entity for one entity type. It is seeded by a snapshot
// (request/reply) and then patched by the entity's created, updated and
// removed push topics:
//   - created for a present id replaces it (reconnection replays)
//   - updated for an absent id inserts it (updates that beat the snapshot)
//   - removed for an absent id is a no-op
//
// Optimistic edits are applied in place and are overwritten by the next
// server update for the same id. The server is the authority, so no
// version comparison is made.
//
// Every mutation is published on Changes so derived views can recompute.
package cache
