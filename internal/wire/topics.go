package wire

import "strings"

// Route pairs a request topic with the topic its reply arrives on.
type Route struct {
	Request string
	Reply   string
}

// EntityTopics names the request, reply and push topics for one entity type.
type EntityTopics struct {
	Find    Route  // findAll<E> -> <e>sFound
	Create  string // create<E>
	Update  string // update<E>
	Remove  string // remove<E>
	Created string // <e>Created
	Updated string // <e>Updated
	Removed string // <e>Removed
}

// TopicsFor derives the topic names for an entity from its title-case name,
// e.g. "User" -> findAllUser, usersFound, userCreated.
func TopicsFor(entity string) EntityTopics {
	lower := strings.ToLower(entity[:1]) + entity[1:]
	return EntityTopics{
		Find:    Route{Request: "findAll" + entity, Reply: lower + "sFound"},
		Create:  "create" + entity,
		Update:  "update" + entity,
		Remove:  "remove" + entity,
		Created: lower + "Created",
		Updated: lower + "Updated",
		Removed: lower + "Removed",
	}
}

// Entity topic sets.
var (
	UserTopics    = TopicsFor("User")
	MoodTopics    = TopicsFor("Mood")
	RoomTopics    = TopicsFor("Room")
	PollTopics    = TopicsFor("Poll")
	GameTopics    = TopicsFor("Game")
	MessageTopics = TopicsFor("Message")
)

// Control topics.
const (
	TopicException       = "exception"
	TopicSubscribeRoom   = "subscribeToRoom"
	TopicUnsubscribeRoom = "unsubscribeFromRoom"
)

// RoomScope is the payload of subscribeToRoom and unsubscribeFromRoom.
type RoomScope struct {
	RoomID string `json:"roomId"`
}
