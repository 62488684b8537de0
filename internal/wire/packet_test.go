package wire

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name      string
		frame     string
		engine    EngineType
		typ       PacketType
		namespace string
		ackID     int64
		data      string
	}{
		{name: "ping", frame: "2", engine: EnginePing, namespace: "/", ackID: -1},
		{name: "open", frame: `0{"sid":"abc"}`, engine: EngineOpen, namespace: "/", ackID: -1, data: `{"sid":"abc"}`},
		{name: "connect ack", frame: `40{"sid":"s1"}`, engine: EngineMessage, typ: PacketConnect, namespace: "/", ackID: -1, data: `{"sid":"s1"}`},
		{name: "event", frame: `42["usersFound",[]]`, engine: EngineMessage, typ: PacketEvent, namespace: "/", ackID: -1, data: `["usersFound",[]]`},
		{name: "event with ack", frame: `4213["ping"]`, engine: EngineMessage, typ: PacketEvent, namespace: "/", ackID: 13, data: `["ping"]`},
		{name: "namespaced", frame: `42/chat,7["x",1]`, engine: EngineMessage, typ: PacketEvent, namespace: "/chat", ackID: 7, data: `["x",1]`},
		{name: "connect error", frame: `44{"message":"nope"}`, engine: EngineMessage, typ: PacketConnectError, namespace: "/", ackID: -1, data: `{"message":"nope"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Decode([]byte(tt.frame))
			if err != nil {
				t.Fatalf("Decode(%q) error: %v", tt.frame, err)
			}
			if p.Engine != tt.engine {
				t.Errorf("Engine = %q, want %q", p.Engine, tt.engine)
			}
			if p.Type != tt.typ {
				t.Errorf("Type = %q, want %q", p.Type, tt.typ)
			}
			if p.Namespace != tt.namespace {
				t.Errorf("Namespace = %q, want %q", p.Namespace, tt.namespace)
			}
			if p.AckID != tt.ackID {
				t.Errorf("AckID = %d, want %d", p.AckID, tt.ackID)
			}
			if string(p.Data) != tt.data {
				t.Errorf("Data = %s, want %s", p.Data, tt.data)
			}
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		frame string
		want  error
	}{
		{"", ErrEmptyFrame},
		{"9", ErrUnknownFrame},
		{"4", ErrUnknownFrame},
		{"49", ErrUnknownFrame},
		{`451-["upload",{"_placeholder":true,"num":0}]`, ErrBinaryFrame},
	}
	for _, tt := range tests {
		_, err := Decode([]byte(tt.frame))
		if !errors.Is(err, tt.want) {
			t.Errorf("Decode(%q) error = %v, want %v", tt.frame, err, tt.want)
		}
	}
}

func TestEventRoundTrip(t *testing.T) {
	frame, err := EncodeEvent("userCreated", map[string]string{"_id": "u1", "username": "alice"})
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	if string(frame[:2]) != "42" {
		t.Fatalf("frame prefix = %q, want 42", frame[:2])
	}

	p, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	ev, err := DecodeEvent(p)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.Topic != "userCreated" {
		t.Errorf("Topic = %q, want userCreated", ev.Topic)
	}

	var got map[string]string
	if err := json.Unmarshal(ev.Data, &got); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if got["username"] != "alice" {
		t.Errorf("username = %q, want alice", got["username"])
	}
}

func TestEncodeEvent_NoPayload(t *testing.T) {
	frame, err := EncodeEvent("findAllUser", nil)
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	if string(frame) != `42["findAllUser"]` {
		t.Errorf("frame = %s, want 42[\"findAllUser\"]", frame)
	}

	p, _ := Decode(frame)
	ev, err := DecodeEvent(p)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if string(ev.Data) != "null" {
		t.Errorf("Data = %s, want null", ev.Data)
	}
}

func TestDecodeEvent_Malformed(t *testing.T) {
	for _, frame := range []string{`42[]`, `42{"a":1}`, `42[12]`, `40`} {
		p, err := Decode([]byte(frame))
		if err != nil {
			t.Fatalf("Decode(%q): %v", frame, err)
		}
		if _, err := DecodeEvent(p); !errors.Is(err, ErrMalformedEvent) {
			t.Errorf("DecodeEvent(%q) error = %v, want ErrMalformedEvent", frame, err)
		}
	}
}

func TestEncodeConnect(t *testing.T) {
	frame, err := EncodeConnect(map[string]string{"token": "t0k"})
	if err != nil {
		t.Fatalf("EncodeConnect: %v", err)
	}
	if string(frame) != `40{"token":"t0k"}` {
		t.Errorf("frame = %s", frame)
	}

	bare, _ := EncodeConnect(nil)
	if string(bare) != "40" {
		t.Errorf("bare connect = %s, want 40", bare)
	}
}

func TestDecodeHandshake(t *testing.T) {
	p, _ := Decode([]byte(`0{"sid":"x","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`))
	hs, err := DecodeHandshake(p)
	if err != nil {
		t.Fatalf("DecodeHandshake: %v", err)
	}
	if hs.SID != "x" || hs.PingInterval != 25000 || hs.PingTimeout != 20000 {
		t.Errorf("handshake = %+v", hs)
	}

	ping, _ := Decode([]byte("2"))
	if _, err := DecodeHandshake(ping); err == nil {
		t.Error("expected error for non-open packet")
	}
}
