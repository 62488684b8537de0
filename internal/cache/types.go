package cache

import (
	"github.com/rickgao/livesync/internal/stream"
	"github.com/rickgao/livesync/internal/wire"
)

// ChangeKind identifies what mutated a cache.
type ChangeKind int

const (
	ChangeSnapshot ChangeKind = iota
	ChangeCreated
	ChangeUpdated
	ChangeRemoved
	ChangeOptimistic
	ChangeCleared
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeSnapshot:
		return "snapshot"
	case ChangeCreated:
		return "created"
	case ChangeUpdated:
		return "updated"
	case ChangeRemoved:
		return "removed"
	case ChangeOptimistic:
		return "optimistic"
	case ChangeCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// Change describes one cache mutation. ID is empty for snapshot and clear.
type Change struct {
	Kind ChangeKind
	ID   string
}

// Subscriber provides shared push-topic streams.
type Subscriber interface {
	Subscribe(topic string) (*stream.Stream[wire.Event], error)
}
