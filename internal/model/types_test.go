package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestUser_JSON(t *testing.T) {
	data := []byte(`{"_id":"u1","username":"alice","mood":"m2","updatedAt":"2024-01-15T12:00:00Z"}`)

	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if u.ID != "u1" || u.Username != "alice" || u.MoodID != "m2" {
		t.Errorf("user = %+v", u)
	}
	if want := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC); !u.UpdatedAt.Equal(want) {
		t.Errorf("UpdatedAt = %v, want %v", u.UpdatedAt, want)
	}
	if u.EntityID() != "u1" {
		t.Errorf("EntityID() = %q, want u1", u.EntityID())
	}
}

func TestValidate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		v       interface{ Validate() error }
		wantErr bool
	}{
		{"user ok", User{ID: "u1"}, false},
		{"user no id", User{Username: "x"}, true},
		{"mood no id", Mood{Name: "happy"}, true},
		{"room ok", Room{ID: "r1"}, false},
		{"poll no id", Poll{Question: "?"}, true},
		{"game ok", Game{ID: "g1", Kind: "chess"}, false},
		{"game no id", Game{Kind: "chess"}, true},
		{"message ok", Message{ID: "m1", RoomID: "r1", CreatedAt: now}, false},
		{"message no room", Message{ID: "m1", CreatedAt: now}, true},
		{"message no time", Message{ID: "m1", RoomID: "r1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.v.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSortMoods(t *testing.T) {
	moods := []Mood{
		{ID: "c", Order: 3},
		{ID: "b", Order: 1},
		{ID: "a", Order: 1},
		{ID: "d", Order: 0},
	}
	SortMoods(moods)

	want := []string{"d", "a", "b", "c"}
	for i, id := range want {
		if moods[i].ID != id {
			t.Errorf("moods[%d] = %s, want %s", i, moods[i].ID, id)
		}
	}
}

func TestPoll_TotalVotes(t *testing.T) {
	p := Poll{ID: "p1", Options: []PollOption{{Label: "yes", Votes: 3}, {Label: "no", Votes: 4}}}
	if got := p.TotalVotes(); got != 7 {
		t.Errorf("TotalVotes() = %d, want 7", got)
	}
}
