package model

import (
	"encoding/json"
	"errors"
	"sort"
	"time"
)

// Entity is anything held in an entity cache.
type Entity interface {
	EntityID() string
}

var errMissingID = errors.New("missing _id")

// User is a chat participant and their current mood.
type User struct {
	ID        string    `json:"_id"`
	Username  string    `json:"username"`
	MoodID    string    `json:"mood,omitempty"` // Mood.ID, empty if unset
	Avatar    string    `json:"avatar,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (u User) EntityID() string { return u.ID }

// Validate checks required fields.
func (u User) Validate() error {
	if u.ID == "" {
		return errMissingID
	}
	return nil
}

// Mood is a selectable presence state.
type Mood struct {
	ID    string `json:"_id"`
	Name  string `json:"name"`
	Emoji string `json:"emoji,omitempty"`
	Order int    `json:"order"` // display position, ascending
}

func (m Mood) EntityID() string { return m.ID }

// Validate checks required fields.
func (m Mood) Validate() error {
	if m.ID == "" {
		return errMissingID
	}
	return nil
}

// SortMoods orders moods by Order, then ID.
func SortMoods(moods []Mood) {
	sort.SliceStable(moods, func(i, j int) bool {
		if moods[i].Order != moods[j].Order {
			return moods[i].Order < moods[j].Order
		}
		return moods[i].ID < moods[j].ID
	})
}

// Room is a chat room.
type Room struct {
	ID        string    `json:"_id"`
	Name      string    `json:"name"`
	Members   []string  `json:"members,omitempty"` // User.ID
	CreatedAt time.Time `json:"createdAt"`
}

func (r Room) EntityID() string { return r.ID }

// Validate checks required fields.
func (r Room) Validate() error {
	if r.ID == "" {
		return errMissingID
	}
	return nil
}

// PollOption is one answer of a poll.
type PollOption struct {
	Label string `json:"label"`
	Votes int    `json:"votes"`
}

// Poll is a room poll.
type Poll struct {
	ID       string       `json:"_id"`
	RoomID   string       `json:"roomId,omitempty"`
	Question string       `json:"question"`
	Options  []PollOption `json:"options"`
	Closed   bool         `json:"closed"`
}

func (p Poll) EntityID() string { return p.ID }

// Validate checks required fields.
func (p Poll) Validate() error {
	if p.ID == "" {
		return errMissingID
	}
	return nil
}

// TotalVotes sums the votes of all options.
func (p Poll) TotalVotes() int {
	total := 0
	for _, o := range p.Options {
		total += o.Votes
	}
	return total
}

// Game is the server-authoritative state of one game. The client only
// displays it; State is kept as received.
type Game struct {
	ID        string          `json:"_id"`
	RoomID    string          `json:"roomId,omitempty"`
	Kind      string          `json:"kind"`
	Players   []string        `json:"players"`
	Status    string          `json:"status"`
	State     json.RawMessage `json:"state,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func (g Game) EntityID() string { return g.ID }

// Validate checks required fields.
func (g Game) Validate() error {
	if g.ID == "" {
		return errMissingID
	}
	return nil
}

// Message is a chat message.
type Message struct {
	ID        string    `json:"_id"`
	RoomID    string    `json:"roomId"`
	SenderID  string    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

func (m Message) EntityID() string { return m.ID }

// Validate checks required fields.
func (m Message) Validate() error {
	if m.ID == "" {
		return errMissingID
	}
	if m.RoomID == "" {
		return errors.New("missing roomId")
	}
	if m.CreatedAt.IsZero() {
		return errors.New("missing createdAt")
	}
	return nil
}

// PageQuery selects a page of a room's history, newest first from Before.
type PageQuery struct {
	RoomID string
	Limit  int
	Before time.Time // zero: latest messages
}
