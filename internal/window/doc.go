// Package window implements the per-room paginated message window.
//
// A Window holds a room's messages oldest-first with no duplicate ids.
// LoadInitial seeds it with the newest page; LoadOlder prepends the page
// strictly before the current oldest message; AppendLive appends pushed
// messages in arrival order, without timestamp checks, so a clock or sort
// mismatch on the server never drops a message.
//
// HasMore is a heuristic: a full page implies more may exist. An empty
// page ends pagination until the next LoadInitial.
//
// Every mutation is published as a Delta. A renderer keeps its scroll
// anchor after a Prepend by offsetting by the rendered height of
// Delta.Messages, not by their count.
package window
