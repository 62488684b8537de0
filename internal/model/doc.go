// Package model defines the server-owned entities mirrored by the client.
//
// Conventions:
//   - IDs: opaque strings carried in the "_id" JSON key
//   - Timestamps: time.Time, RFC 3339 on the wire
//   - Ordering: collections are unordered; views impose order (Mood.Order,
//     Message.CreatedAt)
package model
