package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// EngineType is the Engine.IO packet type.
type EngineType byte

const (
	EngineOpen    EngineType = '0'
	EngineClose   EngineType = '1'
	EnginePing    EngineType = '2'
	EnginePong    EngineType = '3'
	EngineMessage EngineType = '4'
	EngineUpgrade EngineType = '5'
	EngineNoop    EngineType = '6'
)

// PacketType is the Socket.IO packet type carried in an Engine.IO message.
type PacketType byte

const (
	PacketConnect      PacketType = '0'
	PacketDisconnect   PacketType = '1'
	PacketEvent        PacketType = '2'
	PacketAck          PacketType = '3'
	PacketConnectError PacketType = '4'
	PacketBinaryEvent  PacketType = '5'
	PacketBinaryAck    PacketType = '6'
)

// Errors
var (
	ErrEmptyFrame     = errors.New("empty frame")
	ErrUnknownFrame   = errors.New("unknown frame type")
	ErrBinaryFrame    = errors.New("binary attachments not supported")
	ErrMalformedEvent = errors.New("malformed event")
)

// Packet is a decoded frame.
type Packet struct {
	Engine    EngineType
	Type      PacketType // only set for EngineMessage
	Namespace string     // "/" unless the frame names one
	AckID     int64      // -1 when absent
	Data      json.RawMessage
}

// Handshake is the payload of the Engine.IO open packet.
type Handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"` // milliseconds
	PingTimeout  int      `json:"pingTimeout"`  // milliseconds
	MaxPayload   int      `json:"maxPayload"`
}

// ConnectError is the payload of a CONNECT_ERROR packet.
type ConnectError struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Decode parses a text frame.
func Decode(frame []byte) (Packet, error) {
	if len(frame) == 0 {
		return Packet{}, ErrEmptyFrame
	}

	p := Packet{
		Engine:    EngineType(frame[0]),
		Namespace: "/",
		AckID:     -1,
	}
	rest := frame[1:]

	switch p.Engine {
	case EngineOpen, EngineClose, EnginePing, EnginePong, EngineUpgrade, EngineNoop:
		if len(rest) > 0 {
			p.Data = json.RawMessage(rest)
		}
		return p, nil
	case EngineMessage:
	default:
		return Packet{}, fmt.Errorf("%w: %q", ErrUnknownFrame, frame[0])
	}

	if len(rest) == 0 {
		return Packet{}, fmt.Errorf("%w: message without socket packet", ErrUnknownFrame)
	}
	p.Type = PacketType(rest[0])
	rest = rest[1:]

	switch p.Type {
	case PacketConnect, PacketDisconnect, PacketEvent, PacketAck, PacketConnectError:
	case PacketBinaryEvent, PacketBinaryAck:
		return Packet{}, ErrBinaryFrame
	default:
		return Packet{}, fmt.Errorf("%w: socket packet %q", ErrUnknownFrame, p.Type)
	}

	if len(rest) > 0 && rest[0] == '/' {
		i := 0
		for i < len(rest) && rest[i] != ',' {
			i++
		}
		p.Namespace = string(rest[:i])
		if i < len(rest) {
			i++ // skip ','
		}
		rest = rest[i:]
	}

	n := 0
	for n < len(rest) && rest[n] >= '0' && rest[n] <= '9' {
		n++
	}
	if n > 0 {
		id, err := strconv.ParseInt(string(rest[:n]), 10, 64)
		if err != nil {
			return Packet{}, fmt.Errorf("parse ack id: %w", err)
		}
		p.AckID = id
		rest = rest[n:]
	}

	if len(rest) > 0 {
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// Event is a named EVENT packet with its first argument.
type Event struct {
	Topic string
	Data  json.RawMessage // null when the event carried no argument
}

// DecodeEvent extracts the topic and first argument of an EVENT packet.
func DecodeEvent(p Packet) (Event, error) {
	if p.Engine != EngineMessage || p.Type != PacketEvent {
		return Event{}, fmt.Errorf("%w: not an event packet", ErrMalformedEvent)
	}

	var args []json.RawMessage
	if err := json.Unmarshal(p.Data, &args); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if len(args) == 0 {
		return Event{}, fmt.Errorf("%w: missing event name", ErrMalformedEvent)
	}

	var ev Event
	if err := json.Unmarshal(args[0], &ev.Topic); err != nil || ev.Topic == "" {
		return Event{}, fmt.Errorf("%w: event name is not a string", ErrMalformedEvent)
	}
	if len(args) > 1 {
		ev.Data = args[1]
	} else {
		ev.Data = json.RawMessage("null")
	}
	return ev, nil
}

// EncodeEvent builds an EVENT frame for the default namespace.
func EncodeEvent(topic string, payload any) ([]byte, error) {
	args := []any{topic}
	if payload != nil {
		args = append(args, payload)
	}
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", topic, err)
	}
	return append([]byte{byte(EngineMessage), byte(PacketEvent)}, body...), nil
}

// EncodeConnect builds a CONNECT frame for the default namespace. auth is
// sent as the handshake auth object when non-nil.
func EncodeConnect(auth any) ([]byte, error) {
	frame := []byte{byte(EngineMessage), byte(PacketConnect)}
	if auth == nil {
		return frame, nil
	}
	body, err := json.Marshal(auth)
	if err != nil {
		return nil, fmt.Errorf("encode connect: %w", err)
	}
	return append(frame, body...), nil
}

// EncodeDisconnect builds a DISCONNECT frame for the default namespace.
func EncodeDisconnect() []byte {
	return []byte{byte(EngineMessage), byte(PacketDisconnect)}
}

// Pong is the Engine.IO answer to a server ping.
var Pong = []byte{byte(EnginePong)}

// DecodeHandshake parses an open packet.
func DecodeHandshake(p Packet) (Handshake, error) {
	if p.Engine != EngineOpen {
		return Handshake{}, fmt.Errorf("expected open packet, got %q", p.Engine)
	}
	var hs Handshake
	if err := json.Unmarshal(p.Data, &hs); err != nil {
		return Handshake{}, fmt.Errorf("decode handshake: %w", err)
	}
	return hs, nil
}
