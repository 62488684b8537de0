package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidPayload is returned when an event payload fails decoding or
// validation.
var ErrInvalidPayload = errors.New("invalid payload")

// Validator is implemented by payload types that check themselves after
// decoding.
type Validator interface {
	Validate() error
}

// DecodePayload unmarshals raw into T and runs its Validate method if any.
func DecodePayload[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if val, ok := any(&v).(Validator); ok {
		if err := val.Validate(); err != nil {
			return v, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	return v, nil
}

// DecodeID extracts an entity id from a removal payload, which is either a
// bare id string or an object carrying "_id" (or "id").
func DecodeID(raw json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		if id == "" {
			return "", fmt.Errorf("%w: empty id", ErrInvalidPayload)
		}
		return id, nil
	}

	var obj struct {
		MongoID string `json:"_id"`
		ID      string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if obj.MongoID != "" {
		return obj.MongoID, nil
	}
	if obj.ID != "" {
		return obj.ID, nil
	}
	return "", fmt.Errorf("%w: missing id", ErrInvalidPayload)
}
