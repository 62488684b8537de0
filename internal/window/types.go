package window

import (
	"context"

	"github.com/rickgao/livesync/internal/model"
	"github.com/rickgao/livesync/internal/stream"
	"github.com/rickgao/livesync/internal/wire"
)

// Fetcher loads one page of a room's history, newest first or in any order.
type Fetcher interface {
	GetMessages(ctx context.Context, q model.PageQuery) ([]model.Message, error)
}

// Subscriber provides shared push-topic streams.
type Subscriber interface {
	Subscribe(topic string) (*stream.Stream[wire.Event], error)
}

// Emitter sends fire-and-forget events.
type Emitter interface {
	Emit(topic string, payload any) error
}

// DeltaKind identifies how a window changed.
type DeltaKind int

const (
	DeltaReset   DeltaKind = iota // contents replaced by LoadInitial
	DeltaPrepend                  // older page added at the head
	DeltaAppend                   // live message added at the tail
)

func (k DeltaKind) String() string {
	switch k {
	case DeltaReset:
		return "reset"
	case DeltaPrepend:
		return "prepend"
	case DeltaAppend:
		return "append"
	default:
		return "unknown"
	}
}

// Delta is one ordered change to a window. Messages are oldest-first.
type Delta struct {
	Kind     DeltaKind
	Messages []model.Message
	HasMore  bool
}
