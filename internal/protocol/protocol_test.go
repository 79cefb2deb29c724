package protocol

import (
	"bytes"
	"errors"
	"math/rand"
	"reflect"
	"strings"
	"testing"
)

func samplePackets() []Packet {
	return []Packet{
		&KeepAlive{KeepAliveID: -42},
		&Login{EntityID: 7, LevelType: "default", GameMode: 1, Dimension: -1, Difficulty: 2, MaxPlayers: 20},
		&Handshake{ProtocolVersion: ProtocolVersion, Username: "Notch", Host: "play.example.org", Port: 25565},
		&Chat{Message: "héllo wörld ☃"},
		&Chat{Message: "/help"},
		&Flying{OnGround: true},
		&ClientCommand{Payload: ClientCommandLogin},
		&CustomPayload{Channel: "MC|Brand", Data: []byte("vanilla")},
		&CustomPayload{Channel: "REGISTER", Data: []byte{}},
		&KeyResponse{SharedSecret: bytes.Repeat([]byte{0xAB}, 128), VerifyToken: []byte{1, 2, 3, 4}},
		&KeyResponse{SharedSecret: []byte{}, VerifyToken: []byte{}},
		&KeyRequest{ServerID: "-", PublicKey: []byte{0x30, 0x81, 0x9f}, VerifyToken: []byte{9, 8, 7, 6}},
		&ServerListPing{Magic: 1},
		&KickDisconnect{Reason: "Took too long to log in"},
		&Chat{Message: strings.Repeat("c", MaxChatLength)},
		&KickDisconnect{Reason: strings.Repeat("k", MaxReasonLength)},
		&Login{LevelType: strings.Repeat("l", MaxUsernameLength)},
		&Handshake{Username: strings.Repeat("u", MaxUsernameLength), Host: strings.Repeat("h", MaxHostLength)},
		&CustomPayload{Channel: strings.Repeat("p", MaxChannelLength), Data: []byte{1}},
		&KeyRequest{ServerID: strings.Repeat("s", MaxServerIDLength), PublicKey: []byte{}, VerifyToken: []byte{}},
	}
}

func TestRoundTrip(t *testing.T) {
	for _, want := range samplePackets() {
		frame, err := Marshal(want)
		if err != nil {
			t.Fatalf("Marshal(%T): %v", want, err)
		}
		if frame[0] != want.ID() {
			t.Errorf("%T: id byte = 0x%02X; want 0x%02X", want, frame[0], want.ID())
		}

		got, err := NewDecoder(nil).Decode(frame)
		if err != nil {
			t.Fatalf("Decode(%T): %v", want, err)
		}
		if len(got) != 1 {
			t.Fatalf("%T: decoded %d packets; want 1", want, len(got))
		}
		if !reflect.DeepEqual(got[0], want) {
			t.Errorf("%T: got %+v; want %+v", want, got[0], want)
		}
	}
}

func TestEncodeRejectsStringsOverFieldLimit(t *testing.T) {
	tests := []struct {
		name string
		p    Packet
	}{
		{"chat", &Chat{Message: strings.Repeat("c", MaxChatLength+1)}},
		{"kick", &KickDisconnect{Reason: strings.Repeat("k", MaxReasonLength+1)}},
		{"level type", &Login{LevelType: strings.Repeat("l", MaxUsernameLength+1)}},
		{"username", &Handshake{Username: strings.Repeat("u", MaxUsernameLength+1)}},
		{"host", &Handshake{Host: strings.Repeat("h", MaxHostLength+1)}},
		{"channel", &CustomPayload{Channel: strings.Repeat("p", MaxChannelLength+1)}},
		{"server id", &KeyRequest{ServerID: strings.Repeat("s", MaxServerIDLength+1)}},
	}
	for _, tt := range tests {
		if _, err := Marshal(tt.p); !errors.Is(err, ErrStringTooLong) {
			t.Errorf("%s: Marshal error = %v; want ErrStringTooLong", tt.name, err)
		}
	}
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 3, "hel"},
		{"héllo", 2, "hé"},
		{"a😀b", 2, "a"},
		{"a😀b", 3, "a😀"},
		{"", 0, ""},
	}
	for _, tt := range tests {
		if got := TruncateString(tt.in, tt.max); got != tt.want {
			t.Errorf("TruncateString(%q, %d) = %q; want %q", tt.in, tt.max, got, tt.want)
		}
	}

	long := Kick(strings.Repeat("x", 2*MaxReasonLength))
	if _, err := Marshal(long); err != nil {
		t.Errorf("Marshal(Kick(long)): %v", err)
	}
}

func TestDecodeArbitraryChunks(t *testing.T) {
	var stream []byte
	want := samplePackets()
	for _, p := range want {
		frame, err := Marshal(p)
		if err != nil {
			t.Fatal(err)
		}
		stream = append(stream, frame...)
	}

	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 200; trial++ {
		dec := NewDecoder(nil)
		var got []Packet
		rest := stream
		for len(rest) > 0 {
			n := 1 + rng.Intn(7)
			if trial%3 == 0 {
				n = 1
			}
			if n > len(rest) {
				n = len(rest)
			}
			pkts, err := dec.Decode(rest[:n])
			if err != nil {
				t.Fatalf("trial %d: %v", trial, err)
			}
			got = append(got, pkts...)
			rest = rest[n:]
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("trial %d: chunked decode differs from whole-frame decode", trial)
		}
		if dec.Buffered() != 0 || dec.State() != StateHeader {
			t.Errorf("trial %d: buffered=%d state=%s; want 0 header", trial, dec.Buffered(), dec.State())
		}
	}
}

func TestDecodeRetainsPartialBody(t *testing.T) {
	frame, _ := Marshal(&Handshake{ProtocolVersion: ProtocolVersion, Username: "Dinnerbone", Host: "localhost", Port: 25565})
	dec := NewDecoder(nil)

	pkts, err := dec.Decode(frame[:5])
	if err != nil || len(pkts) != 0 {
		t.Fatalf("got %d packets, err %v; want 0, nil", len(pkts), err)
	}
	if dec.State() != StateData {
		t.Errorf("state = %s; want data", dec.State())
	}
	if dec.Buffered() != 4 {
		t.Errorf("buffered = %d; want 4 (checkpoint after id)", dec.Buffered())
	}

	pkts, err = dec.Decode(frame[5:])
	if err != nil || len(pkts) != 1 {
		t.Fatalf("got %d packets, err %v; want 1, nil", len(pkts), err)
	}
}

func TestDecodeUnknownID(t *testing.T) {
	dec := NewDecoder(nil)
	pkts, err := dec.Decode([]byte{0x99, 0, 0, 0})
	if !errors.Is(err, ErrUnknownPacket) {
		t.Fatalf("err = %v; want ErrUnknownPacket", err)
	}
	if len(pkts) != 0 {
		t.Errorf("delivered %d packets; want 0", len(pkts))
	}
}

func TestDecodeMalformedField(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  error
	}{
		{"oversized username", []byte{IDHandshake, ProtocolVersion, 0x00, 0x40}, ErrStringTooLong},
		{"negative string length", []byte{IDKickDisconnect, 0xFF, 0xFF}, ErrNegativeLength},
		{"negative array length", []byte{IDKeyResponse, 0x80, 0x00}, ErrNegativeLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDecoder(nil).Decode(tt.input)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v; want %v", err, tt.want)
			}
		})
	}
}

func TestDecoderRelease(t *testing.T) {
	frame, _ := Marshal(&KeepAlive{KeepAliveID: 5})
	dec := NewDecoder(nil)
	if _, err := dec.Decode(frame[:2]); err != nil {
		t.Fatal(err)
	}
	dec.Release()
	if dec.Buffered() != 0 || dec.State() != StateHeader {
		t.Fatalf("after release buffered=%d state=%s", dec.Buffered(), dec.State())
	}

	pkts, err := dec.Decode(frame)
	if err != nil || len(pkts) != 1 {
		t.Fatalf("got %d packets, err %v after release; want 1, nil", len(pkts), err)
	}
}

func TestEncoderReusesScratch(t *testing.T) {
	enc := NewEncoder()
	var out bytes.Buffer
	for _, p := range []Packet{&KeepAlive{KeepAliveID: 1}, &KickDisconnect{Reason: "bye"}} {
		if err := enc.Encode(&out, p); err != nil {
			t.Fatal(err)
		}
		if enc.scratch.Len() != 0 {
			t.Errorf("scratch holds %d bytes after encode; want 0", enc.scratch.Len())
		}
	}
	if got, want := out.Len(), 5+9; got != want {
		t.Errorf("output length = %d; want %d", got, want)
	}

	enc.Release()
	if enc.scratch != nil {
		t.Error("scratch not released")
	}
}

func TestEncodeErrorLeavesOutputUnchanged(t *testing.T) {
	var out bytes.Buffer
	out.WriteString("prefix")
	err := NewEncoder().Encode(&out, &CustomPayload{Channel: "x", Data: make([]byte, 40000)})
	if !errors.Is(err, ErrFieldTooLong) {
		t.Fatalf("err = %v; want ErrFieldTooLong", err)
	}
	if out.String() != "prefix" {
		t.Errorf("output modified on error: %q", out.String())
	}
}

func TestChatDispatch(t *testing.T) {
	tests := []struct {
		msg   string
		async bool
	}{
		{"hello", true},
		{"/stop", false},
		{"", true},
	}
	for _, tt := range tests {
		if got := (&Chat{Message: tt.msg}).Async(); got != tt.async {
			t.Errorf("Chat(%q).Async() = %v; want %v", tt.msg, got, tt.async)
		}
	}
}

func TestRegistryRejectsRebind(t *testing.T) {
	r := NewDefaultRegistry()
	if err := r.Register(IDChat, "Chat2", func() Packet { return &Chat{} }); err == nil {
		t.Error("rebinding a registered id succeeded")
	}
	if got := r.Count(); got != 11 {
		t.Errorf("Count() = %d; want 11", got)
	}
}
