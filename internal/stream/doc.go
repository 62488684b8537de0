// Package stream provides the ordered fan-out primitive shared by the
// connection, topic, cache and window packages.
//
// A Stream is one consumer's view: values pushed to it are queued in an
// unbounded Buffer and delivered on C() in push order. Producers never block
// on slow consumers and never drop values. A Hub broadcasts every published
// value to all of its current streams.
//
// Close is idempotent. A stream ended by its producer delivers what is
// already queued and then closes C().
package stream
