package livesync

import (
	"fmt"

	"github.com/rickgao/livesync/internal/cache"
	"github.com/rickgao/livesync/internal/model"
	"github.com/rickgao/livesync/internal/wire"
)

// updateEntity patches the cached entry for id and sends the patched entity
// on the update topic. The local value is shown immediately; the server's
// echo on the updated topic replaces it. While disconnected nothing is
// patched, and a failed send restores the previous value.
func updateEntity[T model.Entity](c *Client, cc *cache.Cache[T], id string, patch func(*T)) error {
	topic := cc.Topics().Update
	prev, ok := cc.Get(id)
	if !ok {
		return fmt.Errorf("%s %s: %w", topic, id, ErrNotCached)
	}
	if !c.mgr.IsConnected() {
		return fmt.Errorf("%s %s: %w", topic, id, ErrNotConnected)
	}

	if !cc.ApplyOptimistic(id, patch) {
		return fmt.Errorf("%s %s: %w", topic, id, ErrNotCached)
	}
	v, _ := cc.Get(id)
	if err := c.bridge.Emit(topic, v); err != nil {
		cc.ApplyOptimistic(id, func(cur *T) { *cur = prev })
		return err
	}
	return nil
}

// removeEntity drops id locally and asks the server to remove it. A failed
// send puts the entry back.
func removeEntity[T model.Entity](c *Client, cc *cache.Cache[T], id string) error {
	topic := cc.Topics().Remove
	prev, ok := cc.Get(id)
	if !ok {
		return fmt.Errorf("%s %s: %w", topic, id, ErrNotCached)
	}
	if !c.mgr.IsConnected() {
		return fmt.Errorf("%s %s: %w", topic, id, ErrNotConnected)
	}

	cc.ApplyRemoved(id)
	if err := c.bridge.Emit(topic, map[string]string{"_id": id}); err != nil {
		cc.ApplyCreated(prev)
		return err
	}
	return nil
}

// SetUserMood sets a user's mood.
func (c *Client) SetUserMood(userID, moodID string) error {
	return updateEntity(c, c.Users(), userID, func(u *model.User) {
		u.MoodID = moodID
	})
}

// RenameRoom renames a room.
func (c *Client) RenameRoom(roomID, name string) error {
	return updateEntity(c, c.Rooms(), roomID, func(r *model.Room) {
		r.Name = name
	})
}

// VotePoll adds one vote to option of a poll.
func (c *Client) VotePoll(pollID string, option int) error {
	p, ok := c.Polls().Get(pollID)
	if !ok {
		return fmt.Errorf("%s %s: %w", wire.PollTopics.Update, pollID, ErrNotCached)
	}
	if p.Closed {
		return fmt.Errorf("poll %s is closed", pollID)
	}
	if option < 0 || option >= len(p.Options) {
		return fmt.Errorf("poll %s has no option %d", pollID, option)
	}

	return updateEntity(c, c.Polls(), pollID, func(p *model.Poll) {
		opts := append([]model.PollOption(nil), p.Options...)
		opts[option].Votes++
		p.Options = opts
	})
}

// RemovePoll deletes a poll.
func (c *Client) RemovePoll(pollID string) error {
	return removeEntity(c, c.Polls(), pollID)
}

// CreateRoom asks the server to create a room. The room appears in the
// cache when the roomCreated push arrives.
func (c *Client) CreateRoom(name string) error {
	return c.bridge.Emit(wire.RoomTopics.Create, map[string]string{"name": name})
}

// SendMessage posts content to a room. The message appears in the room's
// window when the messageCreated push arrives.
func (c *Client) SendMessage(roomID, content string) error {
	if content == "" {
		return fmt.Errorf("send message to %s: empty content", roomID)
	}
	return c.bridge.Emit(wire.MessageTopics.Create, map[string]string{"roomId": roomID, "content": content})
}
