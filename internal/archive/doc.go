// Package archive batch-writes live chat messages to PostgreSQL.
//
// Messages are queued in an unbounded buffer and flushed when a batch
// fills or the flush interval elapses. Inserts use ON CONFLICT DO NOTHING,
// so a message seen twice (reconnect replays, overlapping pages) is stored
// once.
package archive
